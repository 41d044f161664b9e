package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/coordinatr/mergequeue/internal/config"
	"github.com/coordinatr/mergequeue/internal/events"
	"github.com/coordinatr/mergequeue/internal/forge"
	"github.com/coordinatr/mergequeue/internal/gitrepo"
	"github.com/coordinatr/mergequeue/internal/prmodel"
)

func testRepoCfg(t *testing.T) config.Repo {
	return config.Repo{
		Owner:              "acme",
		Name:               "widgets",
		LocalPath:          t.TempDir(),
		BaseBranch:         "master",
		RequiredChecks:     []string{"ci"},
		DefaultMergeMethod: "merge",
		AttemptTimeout:     time.Hour,
		RetryCount:         3,
	}
}

func newTestWorker(t *testing.T) (*Worker, *forge.Fake) {
	forgeFake := forge.NewFake()
	forgeFake.SetWriter("acme/widgets", "maintainer", true)
	w := New(testRepoCfg(t), forgeFake, gitrepo.NewFake(), forgeFake)
	return w, forgeFake
}

func TestWorkerLandCommandLaunchesAttempt(t *testing.T) {
	w, forgeFake := newTestWorker(t)
	forgeFake.SeedPull("acme/widgets", forge.PRSnapshot{
		Number:         42,
		HeadSHA:        "head1",
		HeadBranch:     "fix",
		BaseSHA:        "base1",
		BaseBranch:     "master",
		ReviewDecision: forge.ReviewApproved,
		MergeableKnown: true,
		MergeableClean: true,
	})

	ctx := context.Background()
	if err := w.sync.Run(ctx); err != nil {
		t.Fatalf("initial sync: %v", err)
	}

	env := events.Envelope{
		Kind:       events.KindIssueComment,
		DeliveryID: "d1",
		RepoID:     "acme/widgets",
		Comment:    &events.CommentPayload{Number: 42, Author: "maintainer", Body: "bors land"},
	}
	if err := w.router.Route(ctx, env); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !w.queue.Contains(42) {
		t.Fatal("expected pr queued after land command")
	}

	if err := w.scheduler.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	pr := w.registry.Get(42)
	if pr.Attempt == nil || pr.Attempt.Phase != prmodel.PhaseTesting {
		t.Fatalf("attempt = %+v, want Testing", pr.Attempt)
	}
	if _, ok := w.attempts[pr.Attempt.ID]; !ok {
		t.Fatal("expected worker to track the launched attempt")
	}
}

func TestWorkerCheckSuccessConcludesAndUntracks(t *testing.T) {
	w, forgeFake := newTestWorker(t)
	forgeFake.SeedPull("acme/widgets", forge.PRSnapshot{
		Number:         7,
		HeadSHA:        "head1",
		HeadBranch:     "fix",
		BaseSHA:        "base1",
		BaseBranch:     "master",
		ReviewDecision: forge.ReviewApproved,
		MergeableKnown: true,
		MergeableClean: true,
	})

	ctx := context.Background()
	if err := w.sync.Run(ctx); err != nil {
		t.Fatalf("initial sync: %v", err)
	}
	env := events.Envelope{
		Kind:       events.KindIssueComment,
		DeliveryID: "d2",
		RepoID:     "acme/widgets",
		Comment:    &events.CommentPayload{Number: 7, Author: "maintainer", Body: "bors land"},
	}
	if err := w.router.Route(ctx, env); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if err := w.scheduler.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	pr := w.registry.Get(7)
	sha := pr.Attempt.TestCommitID
	attemptID := pr.Attempt.ID
	if err := w.HandleCheck(ctx, sha, "ci", prmodel.CheckSuccess); err != nil {
		t.Fatalf("HandleCheck: %v", err)
	}

	if _, ok := w.attempts[attemptID]; ok {
		t.Error("expected concluded attempt dropped from tracking")
	}
	if pr.Attempt.Phase != prmodel.PhaseSucceeded {
		t.Errorf("Phase = %v, want Succeeded", pr.Attempt.Phase)
	}
	if !forgeFake.Merged(7) {
		t.Error("expected pull merged")
	}
}

func TestWorkerCancelCommandStopsAttempt(t *testing.T) {
	w, forgeFake := newTestWorker(t)
	forgeFake.SetWriter("acme/widgets", "maintainer", true)
	forgeFake.SeedPull("acme/widgets", forge.PRSnapshot{
		Number:         9,
		HeadSHA:        "head1",
		HeadBranch:     "fix",
		BaseSHA:        "base1",
		BaseBranch:     "master",
		ReviewDecision: forge.ReviewApproved,
		MergeableKnown: true,
		MergeableClean: true,
	})

	ctx := context.Background()
	if err := w.sync.Run(ctx); err != nil {
		t.Fatalf("initial sync: %v", err)
	}
	if err := w.router.Route(ctx, events.Envelope{
		Kind: events.KindIssueComment, DeliveryID: "d3", RepoID: "acme/widgets",
		Comment: &events.CommentPayload{Number: 9, Author: "maintainer", Body: "bors land"},
	}); err != nil {
		t.Fatalf("Route land: %v", err)
	}
	if err := w.scheduler.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	attemptID := w.registry.Get(9).Attempt.ID

	if err := w.router.Route(ctx, events.Envelope{
		Kind: events.KindIssueComment, DeliveryID: "d4", RepoID: "acme/widgets",
		Comment: &events.CommentPayload{Number: 9, Author: "maintainer", Body: "bors cancel"},
	}); err != nil {
		t.Fatalf("Route cancel: %v", err)
	}

	pr := w.registry.Get(9)
	if pr.Attempt.Phase != prmodel.PhaseFailed || pr.Attempt.FailureReason != prmodel.ReasonCancelled {
		t.Errorf("attempt = %+v, want Failed{cancelled}", pr.Attempt)
	}
	if _, ok := w.attempts[attemptID]; ok {
		t.Error("expected cancelled attempt dropped from tracking")
	}
}
