package engine

import (
	"context"
	"testing"

	"coherencecore/pkg/domain"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestServiceLogsTransitions(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	e, _ := newTestEngine(t)
	svc := NewService(e, zap.New(core))
	ctx := context.Background()

	org, err := svc.CreateOrganism(ctx, "specimen", "subject-1", nil, testActor())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	m, err := svc.Propose(ctx, Proposal{
		OrganismID: org.ID,
		Actor:      testActor(),
		Changes:    []ChangeRequest{{Lens: "vitals/mass", Value: domain.NumberValue(10)}},
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := svc.Commit(ctx, m.ID, nil); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := svc.Evaluate(ctx, org.ID); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	for _, msg := range []string{"organism created", "mutation proposed", "mutation committed", "coherence evaluated"} {
		if logs.FilterMessage(msg).Len() != 1 {
			t.Fatalf("expected one %q log entry", msg)
		}
	}
}

func TestServiceLogsFailures(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	e, _ := newTestEngine(t)
	svc := NewService(e, zap.New(core))

	if _, err := svc.Propose(context.Background(), Proposal{OrganismID: "missing", Actor: testActor(), Changes: []ChangeRequest{{Lens: "vitals/mass", Value: domain.NumberValue(1)}}}); err == nil {
		t.Fatalf("propose against a missing organism must fail")
	}
	if logs.FilterMessage("propose failed").Len() != 1 {
		t.Fatalf("failure must be logged")
	}
}

func TestServiceNilLogger(t *testing.T) {
	e, _ := newTestEngine(t)
	svc := NewService(e, nil)
	if svc.Engine() != e {
		t.Fatalf("service must expose its engine")
	}
	if _, err := svc.CreateOrganism(context.Background(), "specimen", "quiet", nil, testActor()); err != nil {
		t.Fatalf("nil logger must not break operations: %v", err)
	}
}
