// Package gitrepo models the local git working tree as a capability
// interface: the attempt engine only ever sees this interface, so tests
// substitute an in-memory fake (fake.go) that enforces the same rebase
// and conflict contracts as the real subprocess adapter (exec.go).
package gitrepo

import (
	"context"
	"errors"
)

// ErrConflict is returned by RebaseOnto/SquashOnto when the operation
// cannot complete cleanly and must be reported as Failed{rebase_conflict}.
// Push wraps it when an expectedSHA lease is rejected.
var ErrConflict = errors.New("conflict")

// Repo is the git capability the attempt engine consumes: clone, fetch,
// reset_hard, rebase_onto, squash_onto, push. Every method
// operates on one local working copy, serialized by internal/lock so no
// two attempts touch it concurrently.
type Repo interface {
	// Clone populates path from url if it does not already exist locally.
	Clone(ctx context.Context, url, path string) error

	// Fetch retrieves the given refs from remote into the local copy.
	Fetch(ctx context.Context, remote string, refs ...string) error

	// ResetHard moves ref to sha in the local working copy, discarding
	// local modifications.
	ResetHard(ctx context.Context, ref, sha string) error

	// RebaseOnto replays the commits reachable from headSHA but not from
	// baseSHA on top of baseSHA, returning the new tip commit. Returns
	// ErrConflict (never a bare error) when the rebase cannot complete
	// cleanly.
	RebaseOnto(ctx context.Context, baseSHA, headSHA string) (newSHA string, err error)

	// SquashOnto behaves like RebaseOnto but collapses the replayed
	// commits into a single commit with the given message and author.
	SquashOnto(ctx context.Context, baseSHA, headSHA, message, author string) (newSHA string, err error)

	// Push updates ref on remote to sha. If expectedSHA is non-empty, the
	// push is conditioned on remote's current value of ref matching it
	// (git's --force-with-lease); a mismatch surfaces as an error wrapping
	// ErrConflict, which the attempt engine treats as a stale head.
	Push(ctx context.Context, remote, ref, sha string, expectedSHA string) error

	// ResolveRef reports remote's current sha for ref, without requiring a
	// prior Fetch. Needed specifically by internal/cherrypick to learn an
	// arbitrary target branch's tip — the land/canary path never needs this
	// since it always has the tip from the registry's own Base.CommitID
	// already.
	ResolveRef(ctx context.Context, remote, ref string) (string, error)
}
