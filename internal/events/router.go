package events

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/coordinatr/mergequeue/internal/command"
	"github.com/coordinatr/mergequeue/internal/forge"
	"github.com/coordinatr/mergequeue/internal/prmodel"
	"github.com/coordinatr/mergequeue/internal/queue"
	"github.com/coordinatr/mergequeue/internal/registry"
)

// AttemptDispatcher forwards events to whichever attempt.Engine instance is
// driving the matching in-flight attempt. The engine is one-shot per
// attempt (internal/attempt), so the router never holds one directly — the
// coordinator worker that launched the attempt owns it and implements this
// interface to route events back into it.
type AttemptDispatcher interface {
	HandleCheck(ctx context.Context, sha, checkName string, state prmodel.CheckState) error
	HandleBasePush(ctx context.Context, repoID, newBaseSHA string) error
	Cancel(ctx context.Context, pr *prmodel.PR) error
}

// Router normalizes and dispatches one repository's webhook stream. One
// Router per configured repo, driven by the same single-writer worker as
// its Registry — Route does no locking of its own.
type Router struct {
	RepoID      string
	Registry    *registry.Registry
	Queue       *queue.Queue
	Forge       forge.Client
	Interpreter *command.Interpreter
	Attempts    AttemptDispatcher
	Dedup       *Dedup
	log         *logrus.Entry
}

// NewRouter returns a Router with its own delivery-ID dedup cache.
func NewRouter(repoID string, reg *registry.Registry, q *queue.Queue, client forge.Client, interp *command.Interpreter, attempts AttemptDispatcher) *Router {
	return &Router{
		RepoID:      repoID,
		Registry:    reg,
		Queue:       q,
		Forge:       client,
		Interpreter: interp,
		Attempts:    attempts,
		Dedup:       NewDedup(),
		log:         logrus.WithField("repo", repoID),
	}
}

// Route dispatches one normalized envelope. A repeat delivery (same
// DeliveryID as one already seen) is a no-op.
func (r *Router) Route(ctx context.Context, env Envelope) error {
	if r.Dedup.Seen(env.DeliveryID) {
		r.log.WithField("delivery_id", env.DeliveryID).Debug("duplicate delivery, ignoring")
		return nil
	}

	switch env.Kind {
	case KindIssueComment:
		return r.routeComment(ctx, env.Comment)
	case KindPullRequest:
		return r.routePullRequest(ctx, env.PullRequest)
	case KindPush:
		return r.routePush(ctx, env.Push)
	case KindStatus, KindCheckRun, KindCheckSuite:
		return r.routeCheck(ctx, env.Check)
	case KindPullRequestReview:
		return r.routeReview(ctx, env.Review)
	default:
		r.log.WithField("kind", env.Kind).Debug("unrecognized event kind, ignoring")
		return nil
	}
}

func (r *Router) routeComment(ctx context.Context, c *CommentPayload) error {
	cmd, arg, ok := ParseCommand(c.Body)
	if !ok {
		return nil
	}
	if r.ensurePR(ctx, c.Number) == nil {
		return nil
	}
	return r.Interpreter.Handle(ctx, c.Author, cmd, arg, c.Number, time.Now())
}

func (r *Router) routePullRequest(ctx context.Context, p *PullRequestPayload) error {
	pr := r.ensurePR(ctx, p.Number)
	if pr == nil {
		return nil
	}

	switch p.Action {
	case "closed":
		if pr.Attempt != nil && pr.Attempt.Phase == prmodel.PhaseTesting {
			if err := r.Attempts.Cancel(ctx, pr); err != nil {
				return fmt.Errorf("cancelling attempt on close of #%d: %w", p.Number, err)
			}
		}
		r.Queue.Remove(p.Number)
		r.Registry.Remove(p.Number)
		return nil

	case "synchronize":
		pr.Head = p.Head
		if pr.Attempt != nil && pr.Attempt.Phase == prmodel.PhaseTesting {
			if err := r.Attempts.Cancel(ctx, pr); err != nil {
				return fmt.Errorf("cancelling attempt on synchronize of #%d: %w", p.Number, err)
			}
		}
		return nil

	case "labeled", "unlabeled":
		r.Registry.SetLabel(p.Number, p.Label, p.Action == "labeled")
		if r.Queue.Contains(p.Number) {
			r.Queue.Reprioritize(p.Number, pr.Priority)
		}
		return nil

	case "ready_for_review":
		pr.Draft = false
		return nil

	case "converted_to_draft":
		pr.Draft = true
		r.Queue.Remove(p.Number)
		return nil

	case "opened", "edited", "reopened":
		pr.Head = p.Head
		pr.Base = p.Base
		return nil

	default:
		return nil
	}
}

func (r *Router) routePush(ctx context.Context, p *PushPayload) error {
	return r.Attempts.HandleBasePush(ctx, r.RepoID, p.SHA)
}

func (r *Router) routeCheck(ctx context.Context, c *CheckPayload) error {
	return r.Attempts.HandleCheck(ctx, c.SHA, c.Name, c.State)
}

func (r *Router) routeReview(ctx context.Context, rv *ReviewPayload) error {
	pr := r.ensurePR(ctx, rv.Number)
	if pr == nil {
		return nil
	}
	decision, err := r.Forge.GetReviewDecision(ctx, r.RepoID, rv.Number)
	if err != nil {
		return fmt.Errorf("refreshing review decision for #%d: %w", rv.Number, err)
	}

	switch decision {
	case forge.ReviewApproved:
		pr.ReviewDecision = prmodel.ReviewApproved
	case forge.ReviewChangesRequested:
		pr.ReviewDecision = prmodel.ReviewChangesRequested
		if r.Queue.Contains(pr.Number) {
			r.Queue.Remove(pr.Number)
		}
	default:
		pr.ReviewDecision = prmodel.ReviewRequired
		if r.Queue.Contains(pr.Number) {
			r.Queue.Remove(pr.Number)
		}
	}
	return nil
}

// ensurePR returns the registry entry for number, lazily fetching it from
// the forge on a cache miss: events for an unknown PR number trigger a
// lazy registry fetch. Returns nil if the fetch itself fails, logging
// rather than propagating — a missed webhook for an unknown PR is
// recovered by the next sync loop pass regardless.
func (r *Router) ensurePR(ctx context.Context, number int) *prmodel.PR {
	if pr := r.Registry.Get(number); pr != nil {
		return pr
	}
	snap, err := r.Forge.GetPull(ctx, r.RepoID, number)
	if err != nil {
		r.log.WithError(err).WithField("pr", number).Warn("lazy fetch failed")
		return nil
	}
	pr := registry.FromSnapshot(r.RepoID, snap)
	r.Registry.Upsert(pr)
	return pr
}
