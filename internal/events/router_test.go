package events

import (
	"context"
	"testing"
	"time"

	"github.com/coordinatr/mergequeue/internal/command"
	"github.com/coordinatr/mergequeue/internal/config"
	"github.com/coordinatr/mergequeue/internal/forge"
	"github.com/coordinatr/mergequeue/internal/gitrepo"
	"github.com/coordinatr/mergequeue/internal/prmodel"
	"github.com/coordinatr/mergequeue/internal/queue"
	"github.com/coordinatr/mergequeue/internal/registry"
)

type fakeDispatcher struct {
	cancelledPR   int
	checkSHA      string
	checkName     string
	checkState    prmodel.CheckState
	basePushRepo  string
	basePushSHA   string
}

func (f *fakeDispatcher) HandleCheck(_ context.Context, sha, name string, state prmodel.CheckState) error {
	f.checkSHA, f.checkName, f.checkState = sha, name, state
	return nil
}

func (f *fakeDispatcher) HandleBasePush(_ context.Context, repoID, sha string) error {
	f.basePushRepo, f.basePushSHA = repoID, sha
	return nil
}

func (f *fakeDispatcher) Cancel(_ context.Context, pr *prmodel.PR) error {
	f.cancelledPR = pr.Number
	pr.Attempt.Phase = prmodel.PhaseFailed
	pr.Attempt.FailureReason = prmodel.ReasonCancelled
	return nil
}

type fakeCherryPicker struct{}

func (fakeCherryPicker) Start(context.Context, *prmodel.PR, string) error { return nil }

type fakeCanceller struct{ dispatcher *fakeDispatcher }

func (f fakeCanceller) Cancel(ctx context.Context, pr *prmodel.PR) error {
	return f.dispatcher.Cancel(ctx, pr)
}

func newTestRouter() (*Router, *registry.Registry, *queue.Queue, *forge.Fake, *fakeDispatcher) {
	reg := registry.New()
	q := queue.New()
	forgeFake := forge.NewFake()
	forgeFake.SetWriter("acme/widgets", "maintainer", true)
	dispatcher := &fakeDispatcher{}

	interp := &command.Interpreter{
		RepoCfg:    config.Repo{Owner: "acme", Name: "widgets", RequiredChecks: []string{"ci"}},
		Registry:   reg,
		Queue:      q,
		Authz:      forgeFake,
		Forge:      forgeFake,
		Git:        gitrepo.NewFake(),
		CherryPick: fakeCherryPicker{},
		Cancel:     fakeCanceller{dispatcher: dispatcher},
	}

	r := NewRouter("acme/widgets", reg, q, forgeFake, interp, dispatcher)
	return r, reg, q, forgeFake, dispatcher
}

func TestRouteCommentDispatchesToInterpreter(t *testing.T) {
	r, reg, q, _, _ := newTestRouter()
	pr := &prmodel.PR{
		RepoID:         "acme/widgets",
		Number:         42,
		ReviewDecision: prmodel.ReviewApproved,
		Mergeable:      prmodel.MergeableClean,
	}
	reg.Upsert(pr)

	env := Envelope{
		Kind:       KindIssueComment,
		DeliveryID: "d1",
		RepoID:     "acme/widgets",
		Comment:    &CommentPayload{Number: 42, Author: "maintainer", Body: "bors land"},
	}
	if err := r.Route(context.Background(), env); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !q.Contains(42) {
		t.Error("expected land command to queue the PR")
	}
}

func TestRouteDuplicateDeliveryIgnored(t *testing.T) {
	r, reg, q, _, _ := newTestRouter()
	pr := &prmodel.PR{RepoID: "acme/widgets", Number: 42, ReviewDecision: prmodel.ReviewApproved, Mergeable: prmodel.MergeableClean}
	reg.Upsert(pr)

	env := Envelope{
		Kind:       KindIssueComment,
		DeliveryID: "dup-1",
		RepoID:     "acme/widgets",
		Comment:    &CommentPayload{Number: 42, Author: "maintainer", Body: "bors land"},
	}
	ctx := context.Background()
	if err := r.Route(ctx, env); err != nil {
		t.Fatalf("first Route: %v", err)
	}
	q.Remove(42) // undo, so a re-apply would be observable
	if err := r.Route(ctx, env); err != nil {
		t.Fatalf("replayed Route: %v", err)
	}
	if q.Contains(42) {
		t.Error("replayed delivery must not re-apply the command")
	}
}

func TestRoutePullRequestClosedCancelsAndRemoves(t *testing.T) {
	r, reg, q, _, dispatcher := newTestRouter()
	pr := &prmodel.PR{RepoID: "acme/widgets", Number: 42, Attempt: &prmodel.AttemptStatus{Phase: prmodel.PhaseTesting}}
	reg.Upsert(pr)
	q.Enqueue(42, prmodel.PriorityNormal, false, pr.Attempt.StartedAt)

	env := Envelope{
		Kind:        KindPullRequest,
		DeliveryID:  "d2",
		RepoID:      "acme/widgets",
		PullRequest: &PullRequestPayload{Action: "closed", Number: 42, Merged: true},
	}
	if err := r.Route(context.Background(), env); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if dispatcher.cancelledPR != 42 {
		t.Error("expected in-flight attempt cancelled on close")
	}
	if reg.Get(42) != nil {
		t.Error("expected PR removed from registry on close")
	}
	if q.Contains(42) {
		t.Error("expected PR removed from queue on close")
	}
}

func TestRoutePushForwardsBaseSHA(t *testing.T) {
	r, _, _, _, dispatcher := newTestRouter()
	env := Envelope{
		Kind:       KindPush,
		DeliveryID: "d3",
		RepoID:     "acme/widgets",
		Push:       &PushPayload{Ref: "refs/heads/master", SHA: "newbase"},
	}
	if err := r.Route(context.Background(), env); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if dispatcher.basePushRepo != "acme/widgets" || dispatcher.basePushSHA != "newbase" {
		t.Errorf("dispatcher got (%q, %q)", dispatcher.basePushRepo, dispatcher.basePushSHA)
	}
}

func TestRouteCheckForwardsToDispatcher(t *testing.T) {
	r, _, _, _, dispatcher := newTestRouter()
	env := Envelope{
		Kind:       KindCheckRun,
		DeliveryID: "d4",
		RepoID:     "acme/widgets",
		Check:      &CheckPayload{SHA: "sha1", Name: "ci", State: prmodel.CheckSuccess},
	}
	if err := r.Route(context.Background(), env); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if dispatcher.checkSHA != "sha1" || dispatcher.checkName != "ci" || dispatcher.checkState != prmodel.CheckSuccess {
		t.Errorf("dispatcher got (%q, %q, %v)", dispatcher.checkSHA, dispatcher.checkName, dispatcher.checkState)
	}
}

func TestRouteReviewRemovesFromQueueOnRegression(t *testing.T) {
	r, reg, q, forgeFake, _ := newTestRouter()
	pr := &prmodel.PR{RepoID: "acme/widgets", Number: 42, ReviewDecision: prmodel.ReviewApproved}
	reg.Upsert(pr)
	q.Enqueue(42, prmodel.PriorityNormal, false, time.Now())
	forgeFake.SeedPull("acme/widgets", forge.PRSnapshot{Number: 42, ReviewDecision: forge.ReviewChangesRequested})

	env := Envelope{
		Kind:       KindPullRequestReview,
		DeliveryID: "d5",
		RepoID:     "acme/widgets",
		Review:     &ReviewPayload{Number: 42},
	}
	if err := r.Route(context.Background(), env); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if pr.ReviewDecision != prmodel.ReviewChangesRequested {
		t.Errorf("ReviewDecision = %v, want changes_requested", pr.ReviewDecision)
	}
	if q.Contains(42) {
		t.Error("expected PR removed from queue after review regression")
	}
}
