// Package cherrypick implements the one-shot backport attempt: land a PR's
// already-merged head onto a different branch than its own base, independent
// of the land queue. It reuses internal/attempt's Preparing/Finalizing
// machinery — a cherry-pick attempt is built the same way a land attempt is,
// just against a synthetic PR whose base points at the requested target
// instead of the real one.
package cherrypick

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/coordinatr/mergequeue/internal/attempt"
	"github.com/coordinatr/mergequeue/internal/config"
	"github.com/coordinatr/mergequeue/internal/forge"
	"github.com/coordinatr/mergequeue/internal/gitrepo"
	"github.com/coordinatr/mergequeue/internal/prmodel"
)

// Tracker lets Runner report a launched cherry-pick's engine to whatever
// owns in-flight attempt tracking for the repository (internal/coordinator),
// the same ownership-seam shape scheduler.EngineStarter uses for land/canary.
type Tracker interface {
	Launch(ctx context.Context, pr *prmodel.PR, kind prmodel.Kind, e *attempt.Engine)
}

// Runner launches cherry-pick attempts for one repository. Unlike land,
// cherry-picks don't queue or serialize against each other: concurrent
// backports to different targets each get their own Engine and staging ref.
type Runner struct {
	RepoCfg config.Repo
	Git     gitrepo.Repo
	Forge   forge.Client
	Tracker Tracker
	log     *logrus.Entry
}

// New returns a Runner for one repository.
func New(repoCfg config.Repo, git gitrepo.Repo, client forge.Client, tracker Tracker) *Runner {
	return &Runner{
		RepoCfg: repoCfg,
		Git:     git,
		Forge:   client,
		Tracker: tracker,
		log:     logrus.WithField("repo", repoCfg.ID()),
	}
}

// Start resolves target's current tip, builds a synthetic PR pointed at it,
// and launches a KindCherryPick attempt carrying pr's head onto it. The real
// pr is left untouched; only the synthetic copy is attempted against.
func (r *Runner) Start(ctx context.Context, pr *prmodel.PR, target string) error {
	targetSHA, err := r.Git.ResolveRef(ctx, "origin", target)
	if err != nil {
		return fmt.Errorf("resolving cherry-pick target %s: %w", target, err)
	}

	synthetic := &prmodel.PR{
		RepoID: pr.RepoID,
		Number: pr.Number,
		Title:  fmt.Sprintf("Cherry-pick #%d onto %s: %s", pr.Number, target, pr.Title),
		Author: pr.Author,
		Head:   pr.Head,
		Base:   prmodel.Ref{Branch: target, CommitID: targetSHA, Repo: pr.RepoID},
	}

	e := attempt.NewCherryPickEngine(r.RepoCfg, r.Git, r.Forge, target)
	status, err := e.Start(ctx, synthetic, prmodel.KindCherryPick, false)
	if err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{"pr": pr.Number, "target": target}).Warn("cherry-pick preparing failed")
	}
	if status != nil {
		r.Tracker.Launch(ctx, synthetic, prmodel.KindCherryPick, e)
	}
	return err
}
