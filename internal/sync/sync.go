// Package sync implements the periodic and on-demand reconciliation loop:
// page through the forge's open-PR list, upsert the registry, remove PRs
// that disappeared, and invalidate any attempt left pointing at a stale
// head_sha.
package sync

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/coordinatr/mergequeue/internal/forge"
	"github.com/coordinatr/mergequeue/internal/queue"
	"github.com/coordinatr/mergequeue/internal/registry"
)

// AttemptInvalidator lets Sync discard an in-flight attempt it discovers is
// built on a head_sha the forge no longer reports, or that belongs to a PR
// the forge no longer reports open — the attempt.Engine
// instance actually driving it is owned by the coordinator task that
// launched it, not by Sync.
type AttemptInvalidator interface {
	Invalidate(ctx context.Context, number int) error
}

// Sync reconciles one repository's registry against the forge. One Sync per
// configured repo, invoked by the same single-writer worker that owns the
// registry.
type Sync struct {
	RepoID      string
	Registry    *registry.Registry
	Queue       *queue.Queue
	Forge       forge.Client
	Invalidator AttemptInvalidator
	log         *logrus.Entry
}

// New returns a Sync for one repository.
func New(repoID string, reg *registry.Registry, q *queue.Queue, client forge.Client, inv AttemptInvalidator) *Sync {
	return &Sync{
		RepoID:      repoID,
		Registry:    reg,
		Queue:       q,
		Forge:       client,
		Invalidator: inv,
		log:         logrus.WithField("repo", repoID),
	}
}

// Run pages through every open PR, upserts each into the registry, removes
// registry entries no longer reported open, and invalidates any attempt
// whose test basis (head_sha) has gone stale.
func (s *Sync) Run(ctx context.Context) error {
	seen := make(map[int]bool)
	cursor := ""

	for {
		page, err := s.Forge.ListOpenPulls(ctx, s.RepoID, cursor)
		if err != nil {
			return fmt.Errorf("listing open pulls for %s: %w", s.RepoID, err)
		}

		for _, number := range page.Numbers {
			seen[number] = true
			if err := s.reconcileOne(ctx, number); err != nil {
				s.log.WithError(err).WithField("pr", number).Warn("reconcile failed, will retry next pass")
			}
		}

		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}

	for number := range s.Registry.Numbers() {
		if !seen[number] {
			// Force-conclude an in-flight attempt before the PR leaves the
			// registry, as Registry.Remove requires.
			if pr := s.Registry.Get(number); pr != nil && pr.Attempt != nil {
				if err := s.Invalidator.Invalidate(ctx, number); err != nil {
					s.log.WithError(err).WithField("pr", number).Warn("cancelling attempt of a no-longer-open pull failed")
				}
			}
			s.Queue.Remove(number)
			s.Registry.Remove(number)
		}
	}

	return nil
}

// reconcileOne fetches and upserts a single PR, invalidating its attempt if
// the fetched head_sha no longer matches what the attempt was built on.
func (s *Sync) reconcileOne(ctx context.Context, number int) error {
	snap, err := s.Forge.GetPull(ctx, s.RepoID, number)
	if err != nil {
		return fmt.Errorf("fetching pull #%d: %w", number, err)
	}

	existing := s.Registry.Get(number)
	staleAttempt := existing != nil && existing.Attempt != nil && existing.Head.CommitID != snap.HeadSHA

	pr := registry.FromSnapshot(s.RepoID, snap)
	s.Registry.Upsert(pr)

	if staleAttempt {
		if err := s.Invalidator.Invalidate(ctx, number); err != nil {
			return fmt.Errorf("invalidating stale attempt on #%d: %w", number, err)
		}
	}

	return nil
}
