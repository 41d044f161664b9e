package gitrepo

import (
	"context"
	"fmt"
	"strings"

	"github.com/coordinatr/mergequeue/internal/util"
)

// ExecRepo is the production Repo, shelling out to the git binary in a
// fixed local working directory via internal/util's subprocess wrapper,
// with its own conflict-detection pattern layered on top.
type ExecRepo struct {
	path string
}

// NewExecRepo returns a Repo rooted at the given local working directory.
// The directory need not exist yet; Clone will create it.
func NewExecRepo(path string) *ExecRepo {
	return &ExecRepo{path: path}
}

func (r *ExecRepo) git(ctx context.Context, args ...string) (string, error) {
	return util.ExecWithOutput(r.path, "git", args...)
}

func (r *ExecRepo) Clone(_ context.Context, url, path string) error {
	if _, err := util.ExecWithOutput("", "git", "-C", path, "rev-parse", "--git-dir"); err == nil {
		return nil // already cloned
	}
	if err := util.ExecRun("", "git", "clone", url, path); err != nil {
		return fmt.Errorf("cloning %s into %s: %w", url, path, err)
	}
	r.path = path
	return nil
}

func (r *ExecRepo) Fetch(_ context.Context, remote string, refs ...string) error {
	args := append([]string{"fetch", remote}, refs...)
	if err := util.ExecRun(r.path, "git", args...); err != nil {
		return fmt.Errorf("fetching %s from %s: %w", strings.Join(refs, " "), remote, err)
	}
	return nil
}

func (r *ExecRepo) ResetHard(_ context.Context, ref, sha string) error {
	if err := util.ExecRun(r.path, "git", "checkout", "-B", ref, sha); err != nil {
		return fmt.Errorf("resetting %s to %s: %w", ref, sha, err)
	}
	return nil
}

// RebaseOnto replays headSHA on top of baseSHA in a detached worktree
// state, so concurrent ResetHard calls against named branches in the
// same working copy can't race with it.
func (r *ExecRepo) RebaseOnto(ctx context.Context, baseSHA, headSHA string) (string, error) {
	if err := util.ExecRun(r.path, "git", "checkout", "--detach", headSHA); err != nil {
		return "", fmt.Errorf("checking out %s: %w", headSHA, err)
	}

	_, err := util.ExecWithOutput(r.path, "git", "rebase", "--onto", baseSHA, baseSHA, headSHA)
	if err != nil {
		_ = util.ExecRun(r.path, "git", "rebase", "--abort")
		if isConflict(err) {
			return "", ErrConflict
		}
		return "", fmt.Errorf("rebasing %s onto %s: %w", headSHA, baseSHA, err)
	}

	sha, err := r.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolving rebased HEAD: %w", err)
	}
	return sha, nil
}

// SquashOnto rebases headSHA onto baseSHA then collapses the result into
// a single commit via a soft reset and re-commit.
func (r *ExecRepo) SquashOnto(ctx context.Context, baseSHA, headSHA, message, author string) (string, error) {
	rebased, err := r.RebaseOnto(ctx, baseSHA, headSHA)
	if err != nil {
		return "", err
	}

	if err := util.ExecRun(r.path, "git", "reset", "--soft", baseSHA); err != nil {
		return "", fmt.Errorf("soft-resetting to %s before squash: %w", baseSHA, err)
	}
	_ = rebased // the soft reset keeps the rebased tree staged; rebased sha itself is discarded

	args := []string{"commit", "-m", message}
	if author != "" {
		args = append(args, "--author", author)
	}
	if err := util.ExecRun(r.path, "git", args...); err != nil {
		return "", fmt.Errorf("committing squash: %w", err)
	}

	sha, err := r.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolving squash HEAD: %w", err)
	}
	return sha, nil
}

// Push implements --force-with-lease when expectedSHA is non-empty, the
// git-native equivalent of forge.Client.UpdateRef's compare-and-swap,
// which the stale-head detection depends on.
func (r *ExecRepo) Push(_ context.Context, remote, ref, sha, expectedSHA string) error {
	args := []string{"push", remote, sha + ":" + ref}
	if expectedSHA != "" {
		args = append(args, fmt.Sprintf("--force-with-lease=%s:%s", ref, expectedSHA))
	} else {
		args = append(args, "--force")
	}

	if err := util.ExecRun(r.path, "git", args...); err != nil {
		if isStaleLease(err) {
			return fmt.Errorf("push rejected, stale lease on %s: %w", ref, ErrConflict)
		}
		return fmt.Errorf("pushing %s to %s: %w", sha, ref, err)
	}
	return nil
}

// ResolveRef uses ls-remote rather than a local rev-parse so it works
// against a branch the local working copy has never fetched.
func (r *ExecRepo) ResolveRef(_ context.Context, remote, ref string) (string, error) {
	out, err := util.ExecWithOutput(r.path, "git", "ls-remote", remote, ref)
	if err != nil {
		return "", fmt.Errorf("resolving %s on %s: %w", ref, remote, err)
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return "", fmt.Errorf("resolving %s on %s: ref not found", ref, remote)
	}
	return fields[0], nil
}

func isConflict(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "CONFLICT") ||
		strings.Contains(msg, "could not apply") ||
		strings.Contains(msg, "needs merge")
}

func isStaleLease(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "stale info") || strings.Contains(msg, "rejected")
}

var _ Repo = (*ExecRepo)(nil)
