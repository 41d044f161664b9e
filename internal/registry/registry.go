// Package registry holds the authoritative in-memory snapshot of a
// repository's open pull requests. It is owned exclusively by the per-repo
// coordinator worker (internal/coordinator), which is the only goroutine
// that ever calls into it, matching the core's single-writer discipline, so
// no internal locking is needed.
package registry

import (
	"github.com/coordinatr/mergequeue/internal/forge"
	"github.com/coordinatr/mergequeue/internal/prmodel"
)

// Registry is a total map from PR number to PR snapshot.
type Registry struct {
	prs map[int]*prmodel.PR
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{prs: make(map[int]*prmodel.PR)}
}

// Upsert inserts or replaces a PR snapshot. An in-flight attempt on the
// existing entry, if any, is preserved unless the incoming snapshot already
// carries one (callers that don't know about attempts pass a snapshot with
// Attempt == nil).
func (r *Registry) Upsert(pr *prmodel.PR) {
	if existing, ok := r.prs[pr.Number]; ok && pr.Attempt == nil {
		pr.Attempt = existing.Attempt
	}
	r.prs[pr.Number] = pr
}

// Remove deletes a PR from the registry. Callers must ensure no attempt is
// in flight, or force-conclude it first.
func (r *Registry) Remove(number int) {
	delete(r.prs, number)
}

// Get returns the PR snapshot for a number, or nil if absent.
func (r *Registry) Get(number int) *prmodel.PR {
	return r.prs[number]
}

// List returns all known PRs in unspecified order.
func (r *Registry) List() []*prmodel.PR {
	out := make([]*prmodel.PR, 0, len(r.prs))
	for _, pr := range r.prs {
		out = append(out, pr)
	}
	return out
}

// Numbers returns the set of known PR numbers, for sync-loop diffing.
func (r *Registry) Numbers() map[int]bool {
	out := make(map[int]bool, len(r.prs))
	for n := range r.prs {
		out[n] = true
	}
	return out
}

// SetLabel adds or removes a label on a PR and recomputes label-driven
// priority (bors-high-priority / bors-low-priority). No-op if the PR is
// unknown.
func (r *Registry) SetLabel(number int, label string, present bool) {
	pr := r.prs[number]
	if pr == nil {
		return
	}
	if pr.Labels == nil {
		pr.Labels = make(map[string]bool)
	}
	if present {
		pr.Labels[label] = true
	} else {
		delete(pr.Labels, label)
	}
	pr.Priority = LabelPriority(pr.Labels)
}

// SetPriority sets a PR's priority directly, as issued by the "priority"
// command. No-op if the PR is unknown.
func (r *Registry) SetPriority(number int, p prmodel.Priority) {
	pr := r.prs[number]
	if pr == nil {
		return
	}
	pr.Priority = p
}

// FromSnapshot translates the forge's wire-shaped PRSnapshot into the
// coordinator's internal prmodel.PR, the boundary both the sync loop and the
// event router's lazy-fetch path cross through.
func FromSnapshot(repoID string, s forge.PRSnapshot) *prmodel.PR {
	mergeable := prmodel.MergeableUnknown
	if s.MergeableKnown {
		if s.MergeableClean {
			mergeable = prmodel.MergeableClean
		} else {
			mergeable = prmodel.MergeableConflict
		}
	}

	review := prmodel.ReviewRequired
	switch s.ReviewDecision {
	case forge.ReviewApproved:
		review = prmodel.ReviewApproved
	case forge.ReviewChangesRequested:
		review = prmodel.ReviewChangesRequested
	}

	labels := make(map[string]bool, len(s.Labels))
	for _, l := range s.Labels {
		labels[l] = true
	}

	return &prmodel.PR{
		RepoID: repoID,
		Number: s.Number,
		Title:  s.Title,
		Body:   s.Body,
		Author: s.Author,
		Head:   prmodel.Ref{Branch: s.HeadBranch, CommitID: s.HeadSHA, Repo: s.HeadRepo},
		Base:   prmodel.Ref{Branch: s.BaseBranch, CommitID: s.BaseSHA, Repo: repoID},

		Draft:               s.Draft,
		Mergeable:           mergeable,
		ReviewDecision:      review,
		Labels:              labels,
		MaintainerCanModify: s.MaintainerCanModify,
		Priority:            LabelPriority(labels),
	}
}

// LabelPriority derives priority purely from the bors-high-priority /
// bors-low-priority labels; absence of both defaults to normal. A priority
// previously set by the "priority" command is
// overwritten the next time either label is added or removed — labels and
// the command share one field and whichever acted most recently wins.
func LabelPriority(labels map[string]bool) prmodel.Priority {
	switch {
	case labels["bors-high-priority"]:
		return prmodel.PriorityHigh
	case labels["bors-low-priority"]:
		return prmodel.PriorityLow
	default:
		return prmodel.PriorityNormal
	}
}
