// Package command implements the merge-queue command interpreter: land,
// canary, cancel, cherry-pick, priority, help. The caller
// (internal/events' router) is responsible for recognizing a comment as a
// command and parsing it into (command, arg) — grammar parsing itself is
// out of scope here, only the semantics that follow from a parsed command.
package command

import (
	"context"
	"fmt"
	"time"

	"github.com/coordinatr/mergequeue/internal/attempt"
	"github.com/coordinatr/mergequeue/internal/config"
	"github.com/coordinatr/mergequeue/internal/forge"
	"github.com/coordinatr/mergequeue/internal/gitrepo"
	"github.com/coordinatr/mergequeue/internal/prmodel"
	"github.com/coordinatr/mergequeue/internal/queue"
	"github.com/coordinatr/mergequeue/internal/registry"
)

const squashLabel = "bors-squash"

// CherryPicker launches a one-shot backport attempt outside the main queue.
// Declared here rather than imported from internal/cherrypick to keep this
// package's dependency graph one-way.
type CherryPicker interface {
	Start(ctx context.Context, pr *prmodel.PR, target string) error
}

// AttemptCanceller lets the interpreter ask for an in-flight attempt to be
// cancelled without owning the attempt.Engine instance driving it — that
// instance belongs to whichever coordinator task launched the attempt.
type AttemptCanceller interface {
	Cancel(ctx context.Context, pr *prmodel.PR) error
}

// Interpreter dispatches already-parsed commands against one repository's
// registry, queue, and attempt machinery. One Interpreter per configured
// repo, owned by the same single-writer worker as its registry — Handle
// does no locking of its own.
type Interpreter struct {
	RepoCfg     config.Repo
	Registry    *registry.Registry
	Queue       *queue.Queue
	Authz       registry.Authorizer
	Maintainers []string
	Forge       forge.Client
	Git         gitrepo.Repo
	CherryPick  CherryPicker
	Cancel      AttemptCanceller
}

// Handle dispatches one parsed command, posting whatever acknowledgement or
// rejection comment the semantics call for, using the coordinator's stable
// comment phrasing. now is injected so tests control enqueue timestamps.
func (in *Interpreter) Handle(ctx context.Context, user, rawCommand, arg string, number int, now time.Time) error {
	command := Canonicalize(rawCommand)

	pr := in.Registry.Get(number)
	if pr == nil {
		return fmt.Errorf("command %q for unknown pr #%d", command, number)
	}

	if !registry.MayCommand(in.Authz, in.Maintainers, user, command, pr) {
		return in.comment(ctx, pr, "not authorized to run that command")
	}

	switch command {
	case registry.CommandLand:
		return in.handleLand(ctx, pr, now)
	case registry.CommandCanary:
		return in.handleCanary(ctx, pr)
	case registry.CommandCancel:
		return in.handleCancel(ctx, pr)
	case registry.CommandCherryPick:
		return in.handleCherryPick(ctx, pr, arg)
	case registry.CommandPriority:
		return in.handlePriority(ctx, pr, arg)
	case registry.CommandHelp:
		return in.comment(ctx, pr, helpText)
	default:
		return in.comment(ctx, pr, fmt.Sprintf("unrecognized command %q", rawCommand))
	}
}

func (in *Interpreter) handleLand(ctx context.Context, pr *prmodel.PR, now time.Time) error {
	if pr.Draft {
		return in.comment(ctx, pr, "cannot land: pull request is a draft")
	}
	if pr.ReviewDecision != prmodel.ReviewApproved {
		return in.comment(ctx, pr, "cannot land: not approved")
	}
	if pr.Mergeable != prmodel.MergeableClean {
		return in.comment(ctx, pr, "cannot land: not mergeable")
	}

	squash := pr.HasLabel(squashLabel)
	in.Queue.Enqueue(pr.Number, pr.Priority, squash, now)
	return in.comment(ctx, pr, in.queuedComment(pr))
}

// queuedComment renders the stable "queued (position N, priority P)"
// phrasing.
func (in *Interpreter) queuedComment(pr *prmodel.PR) string {
	return fmt.Sprintf("queued (position %d, priority %s)", in.Queue.Position(pr.Number), pr.Priority)
}

func (in *Interpreter) handleCanary(ctx context.Context, pr *prmodel.PR) error {
	if pr.Draft {
		return in.comment(ctx, pr, "cannot canary: pull request is a draft")
	}
	if pr.Mergeable != prmodel.MergeableClean {
		return in.comment(ctx, pr, "cannot canary: not mergeable")
	}
	if in.canaryInFlight() {
		return in.comment(ctx, pr, "canary slot busy, try again once the current canary concludes")
	}

	e := attempt.NewEngine(in.RepoCfg, in.Git, in.Forge)
	if _, err := e.Start(ctx, pr, prmodel.KindCanary, pr.HasLabel(squashLabel)); err != nil {
		return fmt.Errorf("starting canary attempt for #%d: %w", pr.Number, err)
	}
	return nil
}

func (in *Interpreter) handleCancel(ctx context.Context, pr *prmodel.PR) error {
	if in.Queue.Contains(pr.Number) {
		in.Queue.Remove(pr.Number)
		return in.comment(ctx, pr, "removed from the queue")
	}
	if pr.Attempt != nil && pr.Attempt.Phase == prmodel.PhaseTesting {
		return in.Cancel.Cancel(ctx, pr)
	}
	return in.comment(ctx, pr, "nothing to cancel")
}

func (in *Interpreter) handleCherryPick(ctx context.Context, pr *prmodel.PR, target string) error {
	if target == "" {
		return in.comment(ctx, pr, "cherry-pick requires a target branch")
	}
	if err := in.CherryPick.Start(ctx, pr, target); err != nil {
		return fmt.Errorf("starting cherry-pick of #%d onto %s: %w", pr.Number, target, err)
	}
	return in.comment(ctx, pr, fmt.Sprintf("cherry-picking onto %s", target))
}

func (in *Interpreter) handlePriority(ctx context.Context, pr *prmodel.PR, arg string) error {
	p, ok := prmodel.ParsePriority(arg)
	if !ok {
		return in.comment(ctx, pr, fmt.Sprintf("unrecognized priority %q, want high|normal|low", arg))
	}
	in.Registry.SetPriority(pr.Number, p)
	in.Queue.Reprioritize(pr.Number, p)
	return in.comment(ctx, pr, fmt.Sprintf("priority set to %s", p))
}

// canaryInFlight scans the registry for an already-Testing canary attempt.
// The canary slot is repo-wide, not per-PR, so this can't be answered from
// the target PR's own state.
func (in *Interpreter) canaryInFlight() bool {
	for _, pr := range in.Registry.List() {
		if pr.Attempt != nil && pr.Attempt.Kind == prmodel.KindCanary && pr.Attempt.Phase == prmodel.PhaseTesting {
			return true
		}
	}
	return false
}

func (in *Interpreter) comment(ctx context.Context, pr *prmodel.PR, body string) error {
	return in.Forge.PostComment(ctx, pr.RepoID, pr.Number, body)
}

// helpText is the canned summary comment posted for the "help" command.
const helpText = `merge queue commands:
  bors land            queue this PR to land once approved and green
  bors canary          test this PR's commits without merging
  bors cancel          remove from the queue, or stop the in-flight attempt
  bors cherry-pick X   backport this PR onto branch X
  bors priority high|normal|low   change this PR's queue priority
  bors help            show this message`
