package sync

import (
	"context"
	"testing"
	"time"

	"github.com/coordinatr/mergequeue/internal/forge"
	"github.com/coordinatr/mergequeue/internal/prmodel"
	"github.com/coordinatr/mergequeue/internal/queue"
	"github.com/coordinatr/mergequeue/internal/registry"
)

type fakeInvalidator struct {
	invalidated []int
}

func (f *fakeInvalidator) Invalidate(_ context.Context, number int) error {
	f.invalidated = append(f.invalidated, number)
	return nil
}

func newTestSync() (*Sync, *registry.Registry, *queue.Queue, *forge.Fake, *fakeInvalidator) {
	reg := registry.New()
	q := queue.New()
	forgeFake := forge.NewFake()
	inv := &fakeInvalidator{}
	s := New("acme/widgets", reg, q, forgeFake, inv)
	return s, reg, q, forgeFake, inv
}

func TestRunUpsertsNewPulls(t *testing.T) {
	s, reg, _, forgeFake, _ := newTestSync()
	forgeFake.SeedPull("acme/widgets", forge.PRSnapshot{Number: 7, Title: "add feature", HeadSHA: "h1", BaseSHA: "b1"})

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	pr := reg.Get(7)
	if pr == nil {
		t.Fatal("expected pull #7 upserted into registry")
	}
	if pr.Title != "add feature" {
		t.Errorf("Title = %q", pr.Title)
	}
}

func TestRunRemovesDisappearedPulls(t *testing.T) {
	s, reg, q, _, _ := newTestSync()
	reg.Upsert(&prmodel.PR{RepoID: "acme/widgets", Number: 9})
	q.Enqueue(9, prmodel.PriorityNormal, false, time.Now())

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reg.Get(9) != nil {
		t.Error("expected pull #9 removed, forge no longer reports it open")
	}
	if q.Contains(9) {
		t.Error("expected pull #9 removed from queue too")
	}
}

func TestRunInvalidatesStaleAttempt(t *testing.T) {
	s, reg, _, forgeFake, inv := newTestSync()
	pr := &prmodel.PR{
		RepoID:  "acme/widgets",
		Number:  5,
		Head:    prmodel.Ref{Branch: "fix", CommitID: "old-sha"},
		Attempt: &prmodel.AttemptStatus{Phase: prmodel.PhaseTesting},
	}
	reg.Upsert(pr)
	forgeFake.SeedPull("acme/widgets", forge.PRSnapshot{Number: 5, HeadSHA: "new-sha", HeadBranch: "fix"})

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(inv.invalidated) != 1 || inv.invalidated[0] != 5 {
		t.Errorf("invalidated = %v, want [5]", inv.invalidated)
	}
}

func TestRunLeavesUnchangedAttemptAlone(t *testing.T) {
	s, reg, _, forgeFake, inv := newTestSync()
	pr := &prmodel.PR{
		RepoID:  "acme/widgets",
		Number:  5,
		Head:    prmodel.Ref{Branch: "fix", CommitID: "same-sha"},
		Attempt: &prmodel.AttemptStatus{Phase: prmodel.PhaseTesting},
	}
	reg.Upsert(pr)
	forgeFake.SeedPull("acme/widgets", forge.PRSnapshot{Number: 5, HeadSHA: "same-sha", HeadBranch: "fix"})

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(inv.invalidated) != 0 {
		t.Errorf("invalidated = %v, want none", inv.invalidated)
	}
}
