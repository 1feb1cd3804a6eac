package engine

import (
	"context"
	"time"

	"coherencecore/pkg/domain"
)

// DefaultProposalTTL is how long a mutation may sit proposed before the
// sweeper rejects it as abandoned.
const DefaultProposalTTL = 24 * time.Hour

// SweepAbandoned rejects every mutation that has been proposed for longer
// than ttl. The records stay in the log with a reject reason; nothing is
// deleted. Returns the ids of the swept mutations.
func (e *Engine) SweepAbandoned(ctx context.Context, ttl time.Duration) ([]string, error) {
	if ttl <= 0 {
		ttl = DefaultProposalTTL
	}
	cutoff := e.nowFn().Add(-ttl)
	var swept []string
	err := e.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		for _, m := range tx.Snapshot().ListProposedBefore(cutoff) {
			if _, err := tx.SetMutationStatus(m.ID, domain.MutationRejected, "abandoned proposal"); err != nil {
				return err
			}
			swept = append(swept, m.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(swept) > 0 {
		e.metrics.IncCounter("proposals_swept", nil)
	}
	return swept, nil
}

// RunSweeper sweeps abandoned proposals on the interval until ctx is done.
func (e *Engine) RunSweeper(ctx context.Context, interval, ttl time.Duration, onErr func(error)) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.SweepAbandoned(ctx, ttl); err != nil && onErr != nil {
				onErr(err)
			}
		}
	}
}
