// Package attempt implements the attempt state machine:
// Preparing -> Running -> Finalizing -> Succeeded|Failed. Every method is
// meant to be called from the single per-repo worker goroutine
// (internal/coordinator), so the engine itself does no internal locking —
// it mutates the prmodel.PR/AttemptStatus passed to it in place, matching
// the single-writer discipline the rest of the core uses.
package attempt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/coordinatr/mergequeue/internal/config"
	"github.com/coordinatr/mergequeue/internal/forge"
	"github.com/coordinatr/mergequeue/internal/gitrepo"
	"github.com/coordinatr/mergequeue/internal/metrics"
	"github.com/coordinatr/mergequeue/internal/mq"
	"github.com/coordinatr/mergequeue/internal/prmodel"
)

const checkRunName = "bors"

// stagingRef returns the reserved ref this attempt tests commits on. Land
// and canary each use one repo-wide ref, since only one of each kind is ever
// Testing at a time; cherry-pick attempts are concurrent and per-target, so
// they get a ref scoped to (pr, target) instead.
func (e *Engine) stagingRef(kind prmodel.Kind, pr *prmodel.PR) string {
	switch kind {
	case prmodel.KindCanary:
		return "refs/heads/canary"
	case prmodel.KindCherryPick:
		return fmt.Sprintf("refs/heads/cherry-pick/%d-%s", pr.Number, e.cherryPickTarget)
	default:
		return "refs/heads/auto"
	}
}

// Engine drives one repository's attempts against its git working copy and
// forge. One Engine is owned by exactly one per-repo worker.
type Engine struct {
	repoCfg config.Repo
	git     gitrepo.Repo
	forge   forge.Client
	breaker *gobreaker.CircuitBreaker
	log     *logrus.Entry

	// baseTipBefore is the sha(base_branch) recorded at the start of the
	// current attempt's Preparing step; compared against on every base
	// push event to detect a stale head.
	baseTipBefore string

	// cherryPickTarget names the branch a KindCherryPick attempt backports
	// onto; unused for land/canary.
	cherryPickTarget string
}

// NewEngine builds an Engine for one repository.
func NewEngine(repoCfg config.Repo, git gitrepo.Repo, client forge.Client) *Engine {
	return &Engine{
		repoCfg: repoCfg,
		git:     git,
		forge:   client,
		breaker: newForgeBreaker(repoCfg.ID()),
		log:     logrus.WithField("repo", repoCfg.ID()),
	}
}

// NewCherryPickEngine builds an Engine dedicated to backporting onto target,
// so its staging ref doesn't collide with another cherry-pick in flight for
// a different target.
func NewCherryPickEngine(repoCfg config.Repo, git gitrepo.Repo, client forge.Client, target string) *Engine {
	e := NewEngine(repoCfg, git, client)
	e.cherryPickTarget = target
	return e
}

// Start runs the Preparing step for pr. The returned AttemptStatus's Phase
// reports the outcome (Testing if Preparing succeeded, Failed if it didn't
// — rebase conflicts and git/forge errors alike conclude the attempt here
// rather than propagating as a Go error); a non-nil error carries the
// underlying cause for logging when Phase is Failed.
func (e *Engine) Start(ctx context.Context, pr *prmodel.PR, kind prmodel.Kind, squash bool) (*prmodel.AttemptStatus, error) {
	now := time.Now()
	attempt := &prmodel.AttemptStatus{
		ID:        mq.GenerateAttemptID(string(kind), pr.Head.Branch),
		Kind:      kind,
		Phase:     prmodel.PhaseTesting,
		StartedAt: now,
		TimeoutAt: now.Add(e.repoCfg.AttemptTimeout),
		Checks:    make(map[string]prmodel.CheckState),
	}
	for _, name := range e.repoCfg.RequiredChecks {
		attempt.Checks[name] = prmodel.CheckPending
	}
	pr.Attempt = attempt

	log := e.log.WithFields(logrus.Fields{"pr": pr.Number, "attempt_id": attempt.ID, "kind": kind})
	log.Info("preparing attempt")

	ref := e.stagingRef(kind, pr)
	remote := "origin"

	if err := e.git.Fetch(ctx, remote, pr.Base.Branch, pr.Head.Branch); err != nil {
		return e.concludeFailed(ctx, pr, prmodel.ReasonForgeError, "", fmt.Errorf("fetching for attempt: %w", err))
	}

	baseSHA := pr.Base.CommitID
	e.baseTipBefore = baseSHA

	if err := e.git.ResetHard(ctx, ref, baseSHA); err != nil {
		return e.concludeFailed(ctx, pr, prmodel.ReasonForgeError, "", fmt.Errorf("resetting %s: %w", ref, err))
	}

	var testSHA string
	var err error
	if squash {
		testSHA, err = e.git.SquashOnto(ctx, baseSHA, pr.Head.CommitID, pr.Title, pr.Author)
	} else {
		testSHA, err = e.git.RebaseOnto(ctx, baseSHA, pr.Head.CommitID)
	}
	if err != nil {
		if errors.Is(err, gitrepo.ErrConflict) {
			return e.concludeFailed(ctx, pr, prmodel.ReasonRebaseConflict, "", nil)
		}
		return e.concludeFailed(ctx, pr, prmodel.ReasonForgeError, "", fmt.Errorf("preparing test commit: %w", err))
	}

	if err := e.git.Push(ctx, remote, ref, testSHA, ""); err != nil {
		return e.concludeFailed(ctx, pr, prmodel.ReasonForgeError, "", fmt.Errorf("pushing %s: %w", ref, err))
	}

	attempt.TestCommitID = testSHA

	// Non-fatal: the check-run mirror is informational. CI's own report
	// via status/check_run events is what actually drives Running below.
	_ = callForge(e.breaker, pr.RepoID, "UpsertCheckRun", func() error {
		return e.forge.UpsertCheckRun(ctx, pr.RepoID, testSHA, checkRunName, forge.CheckStatusInProgress, "", "")
	})

	_ = callForge(e.breaker, pr.RepoID, "PostComment", func() error {
		return e.forge.PostComment(ctx, pr.RepoID, pr.Number, fmt.Sprintf("testing commit %s on branch %s", testSHA, branchName(ref)))
	})

	return attempt, nil
}

func branchName(ref string) string {
	const prefix = "refs/heads/"
	if len(ref) > len(prefix) && ref[:len(prefix)] == prefix {
		return ref[len(prefix):]
	}
	return ref
}

// HandleCheck applies one check-run/status conclusion for a required check
// matching the attempt's test commit. Events for other commits are ignored
// by the caller before this is invoked; events for checks not in the
// required set are ignored here. Returns the attempt's terminal status if
// this event concluded it, or nil if the attempt is still Running.
func (e *Engine) HandleCheck(ctx context.Context, pr *prmodel.PR, checkName string, state prmodel.CheckState) (*prmodel.AttemptStatus, error) {
	attempt := pr.Attempt
	if attempt == nil || attempt.Phase != prmodel.PhaseTesting {
		return nil, nil
	}
	if _, tracked := attempt.Checks[checkName]; !tracked {
		return nil, nil
	}

	// First terminal wins: once a required check has left pending, later
	// events for the same check no longer change the outcome.
	if attempt.Checks[checkName] != prmodel.CheckPending {
		return nil, nil
	}
	attempt.Checks[checkName] = state

	switch state {
	case prmodel.CheckFailure, prmodel.CheckCancelled:
		reason := prmodel.ReasonCheckFailed
		if state == prmodel.CheckCancelled {
			reason = prmodel.ReasonCancelled
		}
		s, err := e.concludeFailed(ctx, pr, reason, checkName, nil)
		return s, err
	}

	// Any failure/cancelled check already concluded the attempt above, so
	// reaching all-terminal with Phase still Testing means every check is
	// green.
	if !attempt.AllChecksTerminal() {
		return nil, nil
	}
	return e.finalizeOrSucceed(ctx, pr)
}

// HandleTimeout transitions a Running attempt past its timeout_at to
// Failed{check_timeout}; called before TimeoutAt, or on an attempt that is
// not Testing, it does nothing. Nothing in the coordinator calls it: no
// timer is scheduled for TimeoutAt, so an attempt whose checks never report
// stays Testing until it is cancelled or invalidated.
func (e *Engine) HandleTimeout(ctx context.Context, pr *prmodel.PR) (*prmodel.AttemptStatus, error) {
	if pr.Attempt == nil || pr.Attempt.Phase != prmodel.PhaseTesting {
		return nil, nil
	}
	if time.Now().Before(pr.Attempt.TimeoutAt) {
		return nil, nil
	}
	return e.concludeFailed(ctx, pr, prmodel.ReasonCheckTimeout, "", nil)
}

// HandleCancel transitions an in-flight attempt to Failed{cancelled}, from
// an explicit cancel command, a PR close, or a synchronize (new head push)
// event.
func (e *Engine) HandleCancel(ctx context.Context, pr *prmodel.PR) (*prmodel.AttemptStatus, error) {
	if pr.Attempt == nil || pr.Attempt.Phase != prmodel.PhaseTesting {
		return nil, nil
	}
	return e.concludeFailed(ctx, pr, prmodel.ReasonCancelled, "", nil)
}

// HandleBasePush checks an observed push to the base branch against the
// recorded base_tip_before for the active attempt, forcing a stale-head
// failure if it no longer matches. It is safe to call during both Running
// and Finalizing.
func (e *Engine) HandleBasePush(ctx context.Context, pr *prmodel.PR, newBaseSHA string) (*prmodel.AttemptStatus, error) {
	if pr.Attempt == nil || pr.Attempt.Phase != prmodel.PhaseTesting {
		return nil, nil
	}
	if newBaseSHA == e.baseTipBefore {
		return nil, nil
	}
	return e.concludeFailed(ctx, pr, prmodel.ReasonStaleHead, "", nil)
}

// finalizeOrSucceed runs Finalizing for land/cherry-pick kinds (fast-forward
// the base ref) and concludes Succeeded directly for canary, which never
// touches the base branch.
func (e *Engine) finalizeOrSucceed(ctx context.Context, pr *prmodel.PR) (*prmodel.AttemptStatus, error) {
	attempt := pr.Attempt
	if attempt.Kind == prmodel.KindCanary {
		return e.concludeSucceeded(ctx, pr)
	}

	// Re-verify sha(base_branch) == base_tip_before under the git lock
	// the worker already holds.
	if err := e.git.Fetch(ctx, "origin", pr.Base.Branch); err != nil {
		return e.concludeFailed(ctx, pr, prmodel.ReasonForgeError, "", fmt.Errorf("re-fetching base before finalize: %w", err))
	}
	if pr.Base.CommitID != e.baseTipBefore {
		return e.concludeFailed(ctx, pr, prmodel.ReasonStaleHead, "", nil)
	}

	if e.repoCfg.DryRun {
		// Dry-run repos skip the merge/push side effect entirely but otherwise conclude
		// exactly like a real land, so the rest of the state machine (check
		// run, terminal comment, queue requeue suppression) behaves
		// identically for an operator watching a trial rollout.
		_ = callForge(e.breaker, pr.RepoID, "PostComment", func() error {
			return e.forge.PostComment(ctx, pr.RepoID, pr.Number, fmt.Sprintf("dry-run: would merge into %s (no merge performed)", pr.Base.Branch))
		})
		return e.concludeSucceeded(ctx, pr)
	}

	method := forge.MergeMethod(e.repoCfg.DefaultMergeMethod)
	commitMsg := fmt.Sprintf("Merge pull request #%d from %s", pr.Number, pr.Head.Branch)

	err := retryForge(ctx, e.repoCfg.RetryCount, func() error {
		mergeErr := callForge(e.breaker, pr.RepoID, "MergePull", func() error {
			return e.forge.MergePull(ctx, pr.RepoID, pr.Number, method, attempt.TestCommitID, commitMsg)
		})
		if errors.Is(mergeErr, forge.ErrRefMismatch) {
			return permanent(mergeErr)
		}
		return mergeErr
	})
	if err != nil {
		// Fall back to a direct push with lease: the forge's merge endpoint
		// is preferred, but a compare-and-swap push still enforces the
		// fast-forward-only contract when it's unavailable.
		pushErr := e.git.Push(ctx, "origin", "refs/heads/"+pr.Base.Branch, attempt.TestCommitID, e.baseTipBefore)
		if pushErr != nil {
			if errors.Is(pushErr, gitrepo.ErrConflict) {
				// The lease was rejected: the base moved since Preparing.
				return e.concludeFailed(ctx, pr, prmodel.ReasonStaleHead, "", nil)
			}
			return e.concludeFailed(ctx, pr, prmodel.ReasonForgeError, "", fmt.Errorf("merge and fallback push both failed: %w", err))
		}
	}

	return e.concludeSucceeded(ctx, pr)
}

// concludeSucceeded finalizes bookkeeping for a Succeeded attempt: updates
// the check-run, posts the terminal comment. Registry removal (on land) is
// driven by the resulting pull_request.closed event, not by this method.
func (e *Engine) concludeSucceeded(ctx context.Context, pr *prmodel.PR) (*prmodel.AttemptStatus, error) {
	attempt := pr.Attempt
	attempt.Phase = prmodel.PhaseSucceeded
	attempt.ConcludedAt = time.Now()
	e.recordOutcome(pr.RepoID, attempt, true, "")

	_ = callForge(e.breaker, pr.RepoID, "UpsertCheckRun", func() error {
		return e.forge.UpsertCheckRun(ctx, pr.RepoID, attempt.TestCommitID, checkRunName, forge.CheckStatusCompleted, forge.ConclusionSuccess, "")
	})
	_ = callForge(e.breaker, pr.RepoID, "PostComment", func() error {
		return e.forge.PostComment(ctx, pr.RepoID, pr.Number, fmt.Sprintf("build succeeded: merging into %s", pr.Base.Branch))
	})

	return attempt, nil
}

// concludeFailed finalizes bookkeeping for a Failed attempt with the given
// reason, posting the matching stable comment phrasing.
func (e *Engine) concludeFailed(ctx context.Context, pr *prmodel.PR, reason prmodel.FailureReason, failingCheck string, cause error) (*prmodel.AttemptStatus, error) {
	attempt := pr.Attempt
	attempt.Phase = prmodel.PhaseFailed
	attempt.FailureReason = reason
	attempt.FailingCheck = failingCheck
	attempt.ConcludedAt = time.Now()
	e.recordOutcome(pr.RepoID, attempt, false, string(reason))

	if attempt.TestCommitID != "" {
		_ = callForge(e.breaker, pr.RepoID, "UpsertCheckRun", func() error {
			return e.forge.UpsertCheckRun(ctx, pr.RepoID, attempt.TestCommitID, checkRunName, forge.CheckStatusCompleted, forge.ConclusionFailure, "")
		})
	}
	_ = callForge(e.breaker, pr.RepoID, "PostComment", func() error {
		return e.forge.PostComment(ctx, pr.RepoID, pr.Number, failureComment(reason, failingCheck))
	})

	return attempt, cause
}

// recordOutcome reports a concluded attempt's wall-clock duration and
// terminal outcome to the coordinator's prometheus collectors.
func (e *Engine) recordOutcome(repoID string, attempt *prmodel.AttemptStatus, succeeded bool, reason string) {
	outcome := metrics.AttemptOutcome(succeeded, reason)
	kind := string(attempt.Kind)
	metrics.AttemptsTotal.WithLabelValues(repoID, kind, outcome, reason).Inc()
	metrics.AttemptDuration.WithLabelValues(repoID, kind, outcome).Observe(attempt.ConcludedAt.Sub(attempt.StartedAt).Seconds())
}

// failureComment renders one of the coordinator's stable PR comment phrasings.
func failureComment(reason prmodel.FailureReason, failingCheck string) string {
	switch reason {
	case prmodel.ReasonRebaseConflict:
		return "conflict: rebase failed"
	case prmodel.ReasonStaleHead:
		return "stale base: re-queued"
	case prmodel.ReasonCancelled:
		return "cancelled"
	case prmodel.ReasonCheckFailed:
		return fmt.Sprintf("build failed: check_failed(%s)", failingCheck)
	case prmodel.ReasonCheckTimeout:
		return "build failed: check_timeout"
	case prmodel.ReasonForgeError:
		return "build failed: forge_error"
	default:
		return fmt.Sprintf("build failed: %s", reason)
	}
}

// Requeues reports whether a concluded attempt's PR should be re-enqueued
// at the same priority with a fresh enqueued_at: true for stale_head and
// transient forge_error, false for every other
// failure reason, and false for Succeeded (land merges close the PR;
// canary/cherry-pick never sat in the queue).
func Requeues(attempt *prmodel.AttemptStatus) bool {
	if attempt == nil || attempt.Phase != prmodel.PhaseFailed {
		return false
	}
	return attempt.FailureReason == prmodel.ReasonStaleHead || attempt.FailureReason == prmodel.ReasonForgeError
}
