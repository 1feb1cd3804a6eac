package sqlite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"coherencecore/pkg/domain"
)

func TestSQLiteStorePersistAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	ctx := context.Background()
	base := domain.Base{ID: "org-1", SchemaVersion: domain.SchemaVersion, CreatedAt: time.Now().UTC()}
	if err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.PutOrganism(domain.Organism{Base: base, Name: "persisted"}); err != nil {
			return err
		}
		_, err := tx.PutClaim(domain.Claim{
			Base:       domain.Base{ID: "claim-1", SchemaVersion: domain.SchemaVersion, CreatedAt: time.Now().UTC()},
			OrganismID: "org-1",
			LensID:     "lens-1",
			LensPath:   "vitals/mass",
			Value:      domain.NumberValue(3.5),
			Weight:     1,
		})
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("db file missing: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reloaded, err := NewStore(path)
	if err != nil {
		t.Fatalf("reload sqlite store: %v", err)
	}
	defer func() { _ = reloaded.Close() }()
	organisms := reloaded.ListOrganisms()
	if len(organisms) != 1 || organisms[0].Name != "persisted" {
		t.Fatalf("expected persisted organism, got %+v", organisms)
	}
	claim, ok := reloaded.FindClaim("org-1", "lens-1")
	if !ok || claim.Value.String() != "3.5" {
		t.Fatalf("expected claim index rebuilt from snapshot, got %+v ok=%v", claim, ok)
	}
	if reloaded.Path() != path {
		t.Fatalf("expected path %s, got %s", path, reloaded.Path())
	}
	if reloaded.DB() == nil {
		t.Fatalf("expected db handle")
	}
}

func TestSQLiteFailedPersistRollsMemoryBack(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	ctx := context.Background()
	if err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.PutOrganism(domain.Organism{Base: domain.Base{ID: "org-1", SchemaVersion: 1, CreatedAt: time.Now().UTC()}, Name: "kept"})
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Closing the handle makes the snapshot upsert fail; the in-memory state
	// must roll back to the last durable snapshot.
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.PutOrganism(domain.Organism{Base: domain.Base{ID: "org-2", SchemaVersion: 1, CreatedAt: time.Now().UTC()}, Name: "lost"})
		return err
	})
	if err == nil {
		t.Fatalf("expected persist failure after close")
	}
	if got := len(store.ListOrganisms()); got != 1 {
		t.Fatalf("memory state must match durable state, got %d organisms", got)
	}
}

func TestSQLiteTransactionErrorDoesNotPersist(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	defer func() { _ = store.Close() }()
	wantErr := fmt.Errorf("abort")
	err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.PutOrganism(domain.Organism{Base: domain.Base{ID: "org-1", SchemaVersion: 1, CreatedAt: time.Now().UTC()}}); err != nil {
			return err
		}
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("expected injected error, got %v", err)
	}
	if got := len(store.ListOrganisms()); got != 0 {
		t.Fatalf("aborted transaction must not persist, got %d organisms", got)
	}
}
