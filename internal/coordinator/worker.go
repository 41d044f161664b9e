// Package coordinator owns the per-repository single-writer task: one
// goroutine per repo draining a serialized event inbox, mutating the
// registry/queue/attempt state with no locking of its own. One long-running
// task per managed repository, context-cancelled on shutdown. An error
// while processing one event is logged and the task carries on; the task is
// not restarted, and a panic is not recovered.
package coordinator

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/coordinatr/mergequeue/internal/attempt"
	"github.com/coordinatr/mergequeue/internal/cherrypick"
	"github.com/coordinatr/mergequeue/internal/command"
	"github.com/coordinatr/mergequeue/internal/config"
	"github.com/coordinatr/mergequeue/internal/events"
	"github.com/coordinatr/mergequeue/internal/forge"
	"github.com/coordinatr/mergequeue/internal/gitrepo"
	"github.com/coordinatr/mergequeue/internal/lock"
	"github.com/coordinatr/mergequeue/internal/prmodel"
	"github.com/coordinatr/mergequeue/internal/queue"
	"github.com/coordinatr/mergequeue/internal/registry"
	"github.com/coordinatr/mergequeue/internal/scheduler"
	"github.com/coordinatr/mergequeue/internal/sync"
)

// inboxSize bounds the event inbox in practice; buffering under load is
// acceptable but dropping isn't, so Enqueue blocks rather than discarding
// once the inbox is full.
const inboxSize = 256

// Worker is the single-writer task for one repository: it owns the
// registry, queue, and every in-flight attempt.Engine, and is the only
// goroutine that touches any of them.
type Worker struct {
	repoCfg  config.Repo
	registry *registry.Registry
	queue    *queue.Queue
	forge    forge.Client
	git      gitrepo.Repo
	wc       *lock.WorkingCopy

	router      *events.Router
	interpreter *command.Interpreter
	scheduler   *scheduler.Scheduler
	sync        *sync.Sync
	cherrypick  *cherrypick.Runner

	// attempts tracks every currently-live attempt, keyed by attempt ID
	// rather than PR number: a land/canary attempt's pr is the registry's
	// own PR object, but a cherry-pick attempt carries its own synthetic PR
	// (its base points at the backport target, not the PR's real base), so
	// the same PR number can appear more than once at a time.
	attempts map[string]*liveAttempt

	// snapshot is refreshed by Run's single goroutine after every processed
	// event and sync pass, and read lock-free by internal/dashboard's HTTP
	// handlers from arbitrary goroutines — the one deliberate, narrow
	// exception to the single-writer rule, justified by the dashboard being
	// a read-only, out-of-scope reference surface rather than anything that
	// feeds back into coordinator state.
	snapshot atomic.Pointer[Snapshot]

	inbox chan events.Envelope
	log   *logrus.Entry
}

// Snapshot is a point-in-time, read-only view of one repository's state,
// served by internal/dashboard.
type Snapshot struct {
	RepoID string
	PRs    []*prmodel.PR
	Queue  []queue.Entry
}

// Snapshot returns the most recently published state for this repository.
// Safe for concurrent use from any goroutine.
func (w *Worker) Snapshot() *Snapshot {
	return w.snapshot.Load()
}

func (w *Worker) refreshSnapshot() {
	w.snapshot.Store(&Snapshot{
		RepoID: w.repoCfg.ID(),
		PRs:    w.registry.List(),
		Queue:  w.queue.List(),
	})
}

// liveAttempt pairs an in-flight engine with the exact PR object (real or
// synthetic) it was started against, since that's what Start mutated and
// what every later HandleX call must keep mutating.
type liveAttempt struct {
	pr *prmodel.PR
	e  *attempt.Engine
}

// New builds a Worker for one repository.
func New(repoCfg config.Repo, client forge.Client, git gitrepo.Repo, authz registry.Authorizer) *Worker {
	reg := registry.New()
	q := queue.New()

	w := &Worker{
		repoCfg:  repoCfg,
		registry: reg,
		queue:    q,
		forge:    client,
		git:      git,
		wc:       lock.New(repoCfg.LocalPath),
		attempts: make(map[string]*liveAttempt),
		inbox:    make(chan events.Envelope, inboxSize),
		log:      logrus.WithField("repo", repoCfg.ID()),
	}
	w.cherrypick = cherrypick.New(repoCfg, git, client, w)

	w.interpreter = &command.Interpreter{
		RepoCfg:     repoCfg,
		Registry:    reg,
		Queue:       q,
		Authz:       authz,
		Maintainers: repoCfg.MaintainerLogins,
		Forge:       client,
		Git:         git,
		CherryPick:  w.cherrypick,
		Cancel:      w,
	}
	w.router = events.NewRouter(repoCfg.ID(), reg, q, client, w.interpreter, w)
	w.scheduler = scheduler.New(repoCfg, reg, q, git, client, w)
	w.sync = sync.New(repoCfg.ID(), reg, q, client, w)

	return w
}

// Enqueue submits a normalized webhook envelope to this repository's inbox.
// Blocks if the inbox is full rather than dropping the event.
func (w *Worker) Enqueue(ctx context.Context, env events.Envelope) error {
	select {
	case w.inbox <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the inbox until ctx is cancelled, ticking the scheduler after
// every processed event and on a fixed cadence so a free land slot is
// noticed even with no inbound traffic. An error returned while processing
// one event is logged and the worker keeps running from its next inbox
// read; the periodic sync.Run pass re-derives ground truth rather than
// trusting any single webhook delivery.
func (w *Worker) Run(ctx context.Context, syncInterval time.Duration) error {
	if err := w.wc.TryAcquire(); err != nil {
		return err
	}
	defer func() { _ = w.wc.Release() }()

	if err := w.sync.Run(ctx); err != nil {
		w.log.WithError(err).Warn("initial sync failed, continuing from empty registry")
	}
	w.refreshSnapshot()

	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env := <-w.inbox:
			if err := w.router.Route(ctx, env); err != nil {
				w.log.WithError(err).Warn("event processing failed")
			}
			if err := w.scheduler.Tick(ctx); err != nil {
				w.log.WithError(err).Warn("scheduler tick failed")
			}
			w.refreshSnapshot()

		case <-ticker.C:
			if err := w.sync.Run(ctx); err != nil {
				w.log.WithError(err).Warn("periodic sync failed")
			}
			if err := w.scheduler.Tick(ctx); err != nil {
				w.log.WithError(err).Warn("scheduler tick failed")
			}
			w.refreshSnapshot()
		}
	}
}

// SyncOnce runs a single reconciliation pass without starting the inbox
// loop, for the `mqd sync` command's use outside a running daemon.
func (w *Worker) SyncOnce(ctx context.Context) error {
	if err := w.wc.TryAcquire(); err != nil {
		return err
	}
	defer func() { _ = w.wc.Release() }()
	return w.sync.Run(ctx)
}

// Launch implements scheduler.EngineStarter and cherrypick.Tracker: records
// a newly started attempt so later events can be routed back into it.
func (w *Worker) Launch(_ context.Context, pr *prmodel.PR, _ prmodel.Kind, e *attempt.Engine) {
	w.attempts[pr.Attempt.ID] = &liveAttempt{pr: pr, e: e}
}

// Cancel implements command.AttemptCanceller and events.AttemptDispatcher:
// stops the in-flight attempt on pr, if any. pr is always the registry's own
// PR object, so this only ever reaches a land/canary attempt — an
// independent cherry-pick is tracked against its own synthetic PR and isn't
// addressable by number this way, since cherry-pick attempts sit outside
// the cancel command's scope.
func (w *Worker) Cancel(ctx context.Context, pr *prmodel.PR) error {
	if pr.Attempt == nil {
		return nil
	}
	live, ok := w.attempts[pr.Attempt.ID]
	if !ok {
		return nil
	}
	status, err := live.e.HandleCancel(ctx, live.pr)
	return w.afterEngineCall(live.pr, status, err)
}

// Invalidate implements sync.AttemptInvalidator: the sync loop found pr's
// head_sha has drifted out from under its attempt without a synchronize
// webhook ever arriving (a missed delivery). Treated the same as an
// explicit cancel — the attempt was built on a commit that no longer is
// the PR's head. The sync loop also calls it for a PR it no longer sees
// open, before removing that PR from the registry.
func (w *Worker) Invalidate(ctx context.Context, number int) error {
	pr := w.registry.Get(number)
	if pr == nil {
		return nil
	}
	return w.Cancel(ctx, pr)
}

// HandleCheck implements events.AttemptDispatcher, matching the incoming
// check event to whichever live attempt's test commit it reports on —
// scanning every tracked attempt rather than going through the registry, so
// a cherry-pick's synthetic PR is reachable the same way a land attempt's
// registry PR is.
func (w *Worker) HandleCheck(ctx context.Context, sha, checkName string, state prmodel.CheckState) error {
	for _, live := range w.attempts {
		if live.pr.Attempt == nil || live.pr.Attempt.TestCommitID != sha {
			continue
		}
		status, err := live.e.HandleCheck(ctx, live.pr, checkName, state)
		return w.afterEngineCall(live.pr, status, err)
	}
	return nil
}

// HandleBasePush implements events.AttemptDispatcher, checking every
// in-flight attempt against the observed new base tip. A cherry-pick
// attempt's synthetic PR carries the backport target as
// its base, so a push to that branch invalidates it exactly like a push to
// the real base invalidates a land attempt.
func (w *Worker) HandleBasePush(ctx context.Context, repoID, newBaseSHA string) error {
	if repoID != w.repoCfg.ID() {
		return nil
	}
	for _, live := range w.attempts {
		status, err := live.e.HandleBasePush(ctx, live.pr, newBaseSHA)
		if err := w.afterEngineCall(live.pr, status, err); err != nil {
			return err
		}
	}
	return nil
}

// afterEngineCall applies the post-conclusion bookkeeping common to every
// attempt.Engine entrypoint: dropping the finished engine and re-enqueuing
// the PR when the failure reason is non-punitive.
// A cherry-pick never requeues regardless of reason — Requeues already
// returns false for everything but stale_head/forge_error, but a cherry-pick
// was never in the queue to begin with, so re-enqueuing it would wrongly
// hand its synthetic PR a spot in the land queue.
func (w *Worker) afterEngineCall(pr *prmodel.PR, status *prmodel.AttemptStatus, err error) error {
	if status == nil {
		return err
	}
	if err != nil {
		w.log.WithError(err).WithField("pr", pr.Number).Warn("attempt concluded with error")
	}
	if status.Phase != prmodel.PhaseSucceeded && status.Phase != prmodel.PhaseFailed {
		return nil
	}

	delete(w.attempts, status.ID)

	if status.Kind != prmodel.KindCherryPick && attempt.Requeues(status) {
		w.queue.Enqueue(pr.Number, pr.Priority, false, time.Now())
	}
	return nil
}
