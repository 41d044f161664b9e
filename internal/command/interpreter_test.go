package command

import (
	"context"
	"testing"
	"time"

	"github.com/coordinatr/mergequeue/internal/config"
	"github.com/coordinatr/mergequeue/internal/forge"
	"github.com/coordinatr/mergequeue/internal/gitrepo"
	"github.com/coordinatr/mergequeue/internal/prmodel"
	"github.com/coordinatr/mergequeue/internal/queue"
	"github.com/coordinatr/mergequeue/internal/registry"
)

type fakeCherryPicker struct {
	started bool
	target  string
}

func (f *fakeCherryPicker) Start(_ context.Context, _ *prmodel.PR, target string) error {
	f.started = true
	f.target = target
	return nil
}

type fakeCanceller struct {
	cancelled bool
}

func (f *fakeCanceller) Cancel(_ context.Context, pr *prmodel.PR) error {
	f.cancelled = true
	pr.Attempt.Phase = prmodel.PhaseFailed
	pr.Attempt.FailureReason = prmodel.ReasonCancelled
	return nil
}

func newTestInterpreter() (*Interpreter, *registry.Registry, *queue.Queue, *forge.Fake) {
	reg := registry.New()
	q := queue.New()
	forgeFake := forge.NewFake()
	forgeFake.SetWriter("acme/widgets", "maintainer", true)

	in := &Interpreter{
		RepoCfg:    config.Repo{Owner: "acme", Name: "widgets", RequiredChecks: []string{"ci"}},
		Registry:   reg,
		Queue:      q,
		Authz:      forgeFake,
		Forge:      forgeFake,
		Git:        gitrepo.NewFake(),
		CherryPick: &fakeCherryPicker{},
		Cancel:     &fakeCanceller{},
	}
	return in, reg, q, forgeFake
}

func readyPR() *prmodel.PR {
	return &prmodel.PR{
		RepoID:         "acme/widgets",
		Number:         42,
		Author:         "contributor",
		ReviewDecision: prmodel.ReviewApproved,
		Mergeable:      prmodel.MergeableClean,
		Head:           prmodel.Ref{Branch: "fix", CommitID: "head1"},
		Base:           prmodel.Ref{Branch: "master", CommitID: "base1"},
	}
}

func TestHandleLandEnqueues(t *testing.T) {
	in, reg, q, forgeFake := newTestInterpreter()
	pr := readyPR()
	reg.Upsert(pr)

	if err := in.Handle(context.Background(), "maintainer", "land", "", 42, time.Now()); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !q.Contains(42) {
		t.Error("expected PR queued")
	}
	comments := forgeFake.Comments(42)
	if len(comments) == 0 {
		t.Fatal("expected an acknowledgement comment")
	}
}

func TestHandleLandSynonymMerge(t *testing.T) {
	in, reg, q, _ := newTestInterpreter()
	pr := readyPR()
	reg.Upsert(pr)

	if err := in.Handle(context.Background(), "maintainer", "merge", "", 42, time.Now()); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !q.Contains(42) {
		t.Error("expected 'merge' synonym to enqueue like 'land'")
	}
}

func TestHandleLandRejectsUnapproved(t *testing.T) {
	in, reg, q, forgeFake := newTestInterpreter()
	pr := readyPR()
	pr.ReviewDecision = prmodel.ReviewRequired
	reg.Upsert(pr)

	if err := in.Handle(context.Background(), "maintainer", "land", "", 42, time.Now()); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if q.Contains(42) {
		t.Error("unapproved PR must not be queued")
	}
	comments := forgeFake.Comments(42)
	if comments[len(comments)-1] != "cannot land: not approved" {
		t.Errorf("comment = %q", comments[len(comments)-1])
	}
}

func TestHandleLandUnauthorized(t *testing.T) {
	in, reg, q, forgeFake := newTestInterpreter()
	pr := readyPR()
	reg.Upsert(pr)

	if err := in.Handle(context.Background(), "rando", "land", "", 42, time.Now()); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if q.Contains(42) {
		t.Error("unauthorized user must not be able to queue a land")
	}
	comments := forgeFake.Comments(42)
	if comments[len(comments)-1] != "not authorized to run that command" {
		t.Errorf("comment = %q", comments[len(comments)-1])
	}
}

func TestHandleLandIdempotentNoPriorityChange(t *testing.T) {
	in, reg, q, forgeFake := newTestInterpreter()
	pr := readyPR()
	reg.Upsert(pr)
	ctx := context.Background()
	now := time.Now()

	if err := in.Handle(ctx, "maintainer", "land", "", 42, now); err != nil {
		t.Fatalf("first Handle: %v", err)
	}
	before, _ := q.Peek()

	if err := in.Handle(ctx, "maintainer", "land", "", 42, now.Add(time.Minute)); err != nil {
		t.Fatalf("second Handle: %v", err)
	}
	after, _ := q.Peek()
	if !after.EnqueuedAt.Equal(before.EnqueuedAt) {
		t.Error("repeated land at unchanged priority must not bump enqueued_at")
	}
	comments := forgeFake.Comments(42)
	if comments[len(comments)-1] != "queued (position 1, priority normal)" {
		t.Errorf("comment = %q", comments[len(comments)-1])
	}
}

func TestHandleCancelRemovesFromQueue(t *testing.T) {
	in, reg, q, _ := newTestInterpreter()
	pr := readyPR()
	reg.Upsert(pr)
	q.Enqueue(42, prmodel.PriorityNormal, false, time.Now())

	if err := in.Handle(context.Background(), "maintainer", "cancel", "", 42, time.Now()); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if q.Contains(42) {
		t.Error("expected PR removed from queue")
	}
}

func TestHandleCancelStopsInFlightAttempt(t *testing.T) {
	in, reg, _, _ := newTestInterpreter()
	pr := readyPR()
	pr.Attempt = &prmodel.AttemptStatus{Phase: prmodel.PhaseTesting}
	reg.Upsert(pr)

	if err := in.Handle(context.Background(), "maintainer", "cancel", "", 42, time.Now()); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	canceller := in.Cancel.(*fakeCanceller)
	if !canceller.cancelled {
		t.Error("expected in-flight attempt cancellation to be requested")
	}
	if pr.Attempt.Phase != prmodel.PhaseFailed || pr.Attempt.FailureReason != prmodel.ReasonCancelled {
		t.Errorf("attempt = %+v, want Failed{cancelled}", pr.Attempt)
	}
}

func TestHandleCherryPick(t *testing.T) {
	in, reg, _, forgeFake := newTestInterpreter()
	pr := readyPR()
	reg.Upsert(pr)

	if err := in.Handle(context.Background(), "maintainer", "cherry-pick", "release-1.2", 42, time.Now()); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	cp := in.CherryPick.(*fakeCherryPicker)
	if !cp.started || cp.target != "release-1.2" {
		t.Errorf("cherry-pick not dispatched correctly: %+v", cp)
	}
	comments := forgeFake.Comments(42)
	if comments[len(comments)-1] != "cherry-picking onto release-1.2" {
		t.Errorf("comment = %q", comments[len(comments)-1])
	}
}

func TestHandlePriorityReheapifies(t *testing.T) {
	in, reg, q, _ := newTestInterpreter()
	pr := readyPR()
	reg.Upsert(pr)
	q.Enqueue(42, prmodel.PriorityNormal, false, time.Now())

	if err := in.Handle(context.Background(), "maintainer", "priority", "high", 42, time.Now()); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	head, ok := q.Peek()
	if !ok || head.Priority != prmodel.PriorityHigh {
		t.Errorf("head = %+v, want priority high", head)
	}
	if reg.Get(42).Priority != prmodel.PriorityHigh {
		t.Error("registry priority not updated")
	}
}

func TestHandleHelp(t *testing.T) {
	in, reg, _, forgeFake := newTestInterpreter()
	pr := readyPR()
	reg.Upsert(pr)

	if err := in.Handle(context.Background(), "maintainer", "help", "", 42, time.Now()); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	comments := forgeFake.Comments(42)
	if comments[len(comments)-1] != helpText {
		t.Error("expected canned help text")
	}
}

func TestHandleCanaryLaunchesAttempt(t *testing.T) {
	in, reg, _, _ := newTestInterpreter()
	pr := readyPR()
	reg.Upsert(pr)

	if err := in.Handle(context.Background(), "maintainer", "try", "", 42, time.Now()); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if pr.Attempt == nil || pr.Attempt.Kind != prmodel.KindCanary {
		t.Fatalf("attempt = %+v, want an in-flight canary", pr.Attempt)
	}
}

func TestHandleCanaryRejectsWhenSlotBusy(t *testing.T) {
	in, reg, _, forgeFake := newTestInterpreter()
	pr := readyPR()
	reg.Upsert(pr)

	busy := readyPR()
	busy.Number = 99
	busy.Attempt = &prmodel.AttemptStatus{Kind: prmodel.KindCanary, Phase: prmodel.PhaseTesting}
	reg.Upsert(busy)

	if err := in.Handle(context.Background(), "maintainer", "canary", "", 42, time.Now()); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	comments := forgeFake.Comments(42)
	if comments[len(comments)-1] != "canary slot busy, try again once the current canary concludes" {
		t.Errorf("comment = %q", comments[len(comments)-1])
	}
}
