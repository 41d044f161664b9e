// Package scheduler drains the land queue and launches a land attempt when
// the repo-wide land slot is free. Canary attempts are not launched here.
package scheduler

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/coordinatr/mergequeue/internal/attempt"
	"github.com/coordinatr/mergequeue/internal/config"
	"github.com/coordinatr/mergequeue/internal/forge"
	"github.com/coordinatr/mergequeue/internal/gitrepo"
	"github.com/coordinatr/mergequeue/internal/metrics"
	"github.com/coordinatr/mergequeue/internal/prmodel"
	"github.com/coordinatr/mergequeue/internal/queue"
	"github.com/coordinatr/mergequeue/internal/registry"
)

// EngineStarter lets the scheduler hand a newly launched attempt.Engine back
// to whatever owns tracking/routing in-flight attempts (the coordinator
// worker), rather than holding engines itself — the scheduler's only job is
// deciding WHEN to launch, not owning the result.
type EngineStarter interface {
	Launch(ctx context.Context, pr *prmodel.PR, kind prmodel.Kind, e *attempt.Engine)
}

// Scheduler launches at most one land attempt at a time per repository.
// One Scheduler per configured repo, driven by the
// same single-writer worker as its registry — Tick does no locking of its
// own.
type Scheduler struct {
	RepoCfg  config.Repo
	Registry *registry.Registry
	Queue    *queue.Queue
	Git      gitrepo.Repo
	Forge    forge.Client
	Starter  EngineStarter
	log      *logrus.Entry
}

// New returns a Scheduler for one repository.
func New(repoCfg config.Repo, reg *registry.Registry, q *queue.Queue, git gitrepo.Repo, client forge.Client, starter EngineStarter) *Scheduler {
	return &Scheduler{
		RepoCfg:  repoCfg,
		Registry: reg,
		Queue:    q,
		Git:      git,
		Forge:    client,
		Starter:  starter,
		log:      logrus.WithField("repo", repoCfg.Owner+"/"+repoCfg.Name),
	}
}

// Tick launches a land attempt if the land slot is free and the queue is
// non-empty. The scheduler never pre-empts a running attempt; the only
// paths that stop one are an explicit cancel or the router's invariant
// checks.
func (s *Scheduler) Tick(ctx context.Context) error {
	metrics.QueueDepth.WithLabelValues(s.RepoCfg.ID()).Set(float64(s.Queue.Len()))

	if s.landSlotBusy() {
		return nil
	}

	entry, ok := s.Queue.Pop()
	if !ok {
		return nil
	}

	pr := s.Registry.Get(entry.Number)
	if pr == nil {
		s.log.WithField("pr", entry.Number).Warn("queued pr missing from registry, dropping")
		return nil
	}

	e := attempt.NewEngine(s.RepoCfg, s.Git, s.Forge)
	if _, err := e.Start(ctx, pr, prmodel.KindLand, entry.Squash); err != nil {
		return fmt.Errorf("starting land attempt for #%d: %w", pr.Number, err)
	}
	s.Starter.Launch(ctx, pr, prmodel.KindLand, e)
	return nil
}

// landSlotBusy reports whether any PR in the registry already has an
// in-flight land attempt. The land slot is repo-wide: at most one PR may be
// Testing a land attempt at a time.
func (s *Scheduler) landSlotBusy() bool {
	for _, pr := range s.Registry.List() {
		if pr.Attempt != nil && pr.Attempt.Kind == prmodel.KindLand && pr.Attempt.Phase == prmodel.PhaseTesting {
			return true
		}
	}
	return false
}
