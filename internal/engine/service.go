package engine

import (
	"context"
	"time"

	"coherencecore/pkg/domain"

	"go.uber.org/zap"
)

// Service is the logged facade over the engine: the same operations, with
// structured logging of every state transition. Callers that do not need
// logging use the Engine directly.
type Service struct {
	engine *Engine
	log    *zap.Logger
}

// NewService wraps an engine. A nil logger disables logging.
func NewService(engine *Engine, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{engine: engine, log: log}
}

// Engine exposes the wrapped engine.
func (s *Service) Engine() *Engine { return s.engine }

// CreateOrganism registers a subject.
func (s *Service) CreateOrganism(ctx context.Context, typ, name string, tags []string, actor domain.Actor) (domain.Organism, error) {
	org, err := s.engine.CreateOrganism(ctx, typ, name, tags, actor)
	if err != nil {
		s.log.Warn("create organism failed", zap.String("name", name), zap.Error(err))
		return domain.Organism{}, err
	}
	s.log.Info("organism created", zap.String("organism", org.ID), zap.String("name", org.Name))
	return org, nil
}

// Propose records a proposed mutation.
func (s *Service) Propose(ctx context.Context, p Proposal) (domain.Mutation, error) {
	m, err := s.engine.Propose(ctx, p)
	if err != nil {
		s.log.Warn("propose failed", zap.String("organism", p.OrganismID), zap.Error(err))
		return domain.Mutation{}, err
	}
	s.log.Info("mutation proposed",
		zap.String("mutation", m.ID),
		zap.String("organism", m.OrganismID),
		zap.String("actor", m.Actor.ID),
		zap.Int("changes", len(m.Changes)))
	return m, nil
}

// Validate evaluates a proposed mutation without side effects.
func (s *Service) Validate(ctx context.Context, mutationID string) (domain.ValidationReport, error) {
	report, err := s.engine.Validate(ctx, mutationID)
	if err != nil {
		s.log.Warn("validate failed", zap.String("mutation", mutationID), zap.Error(err))
		return domain.ValidationReport{}, err
	}
	s.log.Debug("mutation validated",
		zap.String("mutation", mutationID),
		zap.Int("hard_failures", len(report.Hard)),
		zap.Int("soft_failures", len(report.Soft)),
		zap.Int("passed", len(report.Passed)))
	return report, nil
}

// Commit applies a proposed mutation.
func (s *Service) Commit(ctx context.Context, mutationID string, tradeoff *domain.Tradeoff) (domain.Mutation, error) {
	m, err := s.engine.Commit(ctx, mutationID, tradeoff)
	if err != nil {
		s.log.Warn("commit failed",
			zap.String("mutation", mutationID),
			zap.Bool("retryable", domain.IsRetryable(err)),
			zap.Error(err))
		return m, err
	}
	s.log.Info("mutation committed",
		zap.String("mutation", m.ID),
		zap.String("organism", m.OrganismID),
		zap.Int("conflicts", len(m.ConflictIDs)))
	return m, nil
}

// Rollback reverts a committed mutation.
func (s *Service) Rollback(ctx context.Context, mutationID, reason string, actor domain.Actor, tradeoff *domain.Tradeoff) (domain.Mutation, error) {
	m, err := s.engine.Rollback(ctx, mutationID, reason, actor, tradeoff)
	if err != nil {
		s.log.Warn("rollback failed", zap.String("mutation", mutationID), zap.Error(err))
		return m, err
	}
	s.log.Info("mutation rolled back",
		zap.String("mutation", mutationID),
		zap.String("reversed_by", m.ID),
		zap.String("reason", reason))
	return m, nil
}

// Evaluate computes the coherence report for an organism.
func (s *Service) Evaluate(ctx context.Context, organismID string) (domain.CoherenceReport, error) {
	report, err := s.engine.Evaluate(ctx, organismID)
	if err != nil {
		s.log.Warn("evaluate failed", zap.String("organism", organismID), zap.Error(err))
		return domain.CoherenceReport{}, err
	}
	s.log.Info("coherence evaluated",
		zap.String("organism", organismID),
		zap.Float64("score", report.Score),
		zap.Int("open_conflicts", len(report.OpenConflicts)))
	return report, nil
}

// ResolveConflict settles an open conflict with a tradeoff.
func (s *Service) ResolveConflict(ctx context.Context, conflictID string, res domain.Resolution, tradeoff domain.Tradeoff, actor domain.Actor) (domain.Conflict, error) {
	c, err := s.engine.ResolveConflict(ctx, conflictID, res, tradeoff, actor)
	if err != nil {
		s.log.Warn("resolve conflict failed", zap.String("conflict", conflictID), zap.Error(err))
		return domain.Conflict{}, err
	}
	s.log.Info("conflict resolved",
		zap.String("conflict", conflictID),
		zap.String("strategy", res.Strategy))
	return c, nil
}

// SuppressConflict defers an open conflict until the expiry.
func (s *Service) SuppressConflict(ctx context.Context, conflictID string, sup domain.Suppression) (domain.Conflict, error) {
	c, err := s.engine.SuppressConflict(ctx, conflictID, sup)
	if err != nil {
		s.log.Warn("suppress conflict failed", zap.String("conflict", conflictID), zap.Error(err))
		return domain.Conflict{}, err
	}
	s.log.Info("conflict suppressed",
		zap.String("conflict", conflictID),
		zap.Time("expires_at", sup.ExpiresAt))
	return c, nil
}

// CaptureBaseline snapshots a claim's current value as its drift baseline.
func (s *Service) CaptureBaseline(ctx context.Context, claimID, reason string) (domain.Baseline, error) {
	b, err := s.engine.CaptureBaseline(ctx, claimID, reason)
	if err != nil {
		s.log.Warn("capture baseline failed", zap.String("claim", claimID), zap.Error(err))
		return domain.Baseline{}, err
	}
	s.log.Info("baseline captured", zap.String("claim", claimID), zap.String("baseline", b.ID))
	return b, nil
}

// MeasureDrift records the claim's current distance from baseline.
func (s *Service) MeasureDrift(ctx context.Context, claimID string) (domain.Drift, error) {
	return s.engine.MeasureDrift(ctx, claimID)
}

// Simulate validates a proposal without persisting anything.
func (s *Service) Simulate(ctx context.Context, p Proposal) (domain.ValidationReport, error) {
	return s.engine.Simulate(ctx, p)
}

// Explain traces the history of one claim.
func (s *Service) Explain(ctx context.Context, claimID string) (Explanation, error) {
	return s.engine.Explain(ctx, claimID)
}

// Diff folds committed changes between two mutations into per-claim deltas.
func (s *Service) Diff(ctx context.Context, organismID, fromMutationID, toMutationID string) ([]FieldDelta, error) {
	return s.engine.Diff(ctx, organismID, fromMutationID, toMutationID)
}

// StartSweeper launches the abandoned-proposal sweeper in the background.
func (s *Service) StartSweeper(ctx context.Context, interval, ttl time.Duration) {
	go s.engine.RunSweeper(ctx, interval, ttl, func(err error) {
		s.log.Warn("proposal sweep failed", zap.Error(err))
	})
}
