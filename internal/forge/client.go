// Package forge models the forge (hosted code-review platform) as a
// capability interface: the core only ever sees this interface, so tests
// substitute an in-memory fake (fake.go) that enforces the same contracts
// as the real adapter (ghclient.go) — in particular UpdateRef's
// compare-and-swap semantics, which the stale-head invariant depends on.
package forge

import (
	"context"
	"errors"
	"time"
)

// ErrRefMismatch is returned by UpdateRef when expectedSHA is non-empty and
// the ref's current sha doesn't match it, whatever the force flag.
var ErrRefMismatch = errors.New("ref update rejected: expected sha mismatch")

// MergeMethod mirrors the forge's merge endpoint options.
type MergeMethod string

const (
	MergeMethodMerge  MergeMethod = "merge"
	MergeMethodSquash MergeMethod = "squash"
	MergeMethodRebase MergeMethod = "rebase"
)

// CheckStatus mirrors the forge's check-run/status conclusion vocabulary.
type CheckStatus string

const (
	CheckStatusQueued     CheckStatus = "queued"
	CheckStatusInProgress CheckStatus = "in_progress"
	CheckStatusCompleted  CheckStatus = "completed"
)

type CheckConclusion string

const (
	ConclusionSuccess   CheckConclusion = "success"
	ConclusionFailure   CheckConclusion = "failure"
	ConclusionNeutral   CheckConclusion = "neutral"
	ConclusionCancelled CheckConclusion = "cancelled"
	ConclusionTimedOut  CheckConclusion = "timed_out"
)

// PullPage is one page of the sync loop's open-PR listing.
type PullPage struct {
	Numbers    []int
	NextCursor string
	HasMore    bool
}

// CombinedStatus summarizes legacy "status" API contexts for a commit.
type CombinedStatus struct {
	Contexts map[string]CheckConclusion
}

// Client is the forge capability interface the core consumes. The attempt
// engine wraps its MergePull call in exponential-backoff retry
// (internal/attempt/retry.go); every other call is made once.
type Client interface {
	ListOpenPulls(ctx context.Context, repoID, cursor string) (PullPage, error)
	GetPull(ctx context.Context, repoID string, number int) (PRSnapshot, error)
	PostComment(ctx context.Context, repoID string, number int, body string) error
	SetLabels(ctx context.Context, repoID string, number int, labels []string) error
	UpsertCheckRun(ctx context.Context, repoID, sha, name string, status CheckStatus, conclusion CheckConclusion, output string) error
	MergePull(ctx context.Context, repoID string, number int, method MergeMethod, headSHA, commitMessage string) error
	UpdateRef(ctx context.Context, repoID, ref, sha string, force bool, expectedSHA string) error
	GetCombinedStatus(ctx context.Context, repoID, sha string) (CombinedStatus, error)
	GetReviewDecision(ctx context.Context, repoID string, number int) (ReviewDecision, error)
	HasWriteAccess(repoID, login string) bool
}

// ReviewDecision mirrors the forge's review_decision field.
type ReviewDecision string

const (
	ReviewApproved         ReviewDecision = "approved"
	ReviewChangesRequested ReviewDecision = "changes_requested"
	ReviewRequired         ReviewDecision = "review_required"
)

// PRSnapshot is the forge-wire shape returned by GetPull/ListOpenPulls,
// translated by registry.FromSnapshot into the internal prmodel.PR shape.
type PRSnapshot struct {
	Number              int
	Title               string
	Body                string
	Author              string
	HeadBranch          string
	HeadSHA             string
	HeadRepo            string
	BaseBranch          string
	BaseSHA             string
	Draft               bool
	MergeableClean      bool
	MergeableKnown      bool
	ReviewDecision      ReviewDecision
	Labels              []string
	MaintainerCanModify bool
	UpdatedAt           time.Time
}
