package forge

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/bradleyfalzon/ghinstallation/v2"
	gogithub "github.com/google/go-github/v75/github"
	"github.com/shurcooL/githubv4"
)

// GHClient is the production Client implementation, backed by the forge's
// REST API (github.com/google/go-github) for mutations and its GraphQL API
// (github.com/shurcooL/githubv4) for the sync loop's bulk PR paging.
type GHClient struct {
	rest *gogithub.Client
	gql  *githubv4.Client

	// writeAccessCache avoids a permissions API round-trip on every command;
	// populated lazily; entries are never invalidated and last for the
	// client's lifetime.
	writeAccessCache map[string]bool
}

// NewGHClient builds a GHClient authenticating with a personal access
// token. Use NewGHAppClient for a GitHub App installation instead.
func NewGHClient(token string) *GHClient {
	httpClient := oauthHTTPClient(token)
	return &GHClient{
		rest:             gogithub.NewClient(httpClient),
		gql:              githubv4.NewClient(httpClient),
		writeAccessCache: make(map[string]bool),
	}
}

// NewGHAppClient builds a GHClient authenticating as a GitHub App
// installation, via ghinstallation's token-refreshing RoundTripper.
func NewGHAppClient(appID, installationID int64, privateKeyPEM []byte) (*GHClient, error) {
	itr, err := ghinstallation.New(http.DefaultTransport, appID, installationID, privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("building app installation transport: %w", err)
	}
	httpClient := &http.Client{Transport: itr}
	return &GHClient{
		rest:             gogithub.NewClient(httpClient),
		gql:              githubv4.NewClient(httpClient),
		writeAccessCache: make(map[string]bool),
	}, nil
}

func splitRepoID(repoID string) (owner, name string) {
	parts := strings.SplitN(repoID, "/", 2)
	if len(parts) != 2 {
		return repoID, ""
	}
	return parts[0], parts[1]
}

func (c *GHClient) ListOpenPulls(ctx context.Context, repoID, cursor string) (PullPage, error) {
	owner, name := splitRepoID(repoID)

	var q struct {
		Repository struct {
			PullRequests struct {
				Nodes []struct {
					Number githubv4.Int
				}
				PageInfo struct {
					HasNextPage bool
					EndCursor   githubv4.String
				}
			} `graphql:"pullRequests(first: 100, states: OPEN, after: $cursor)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	vars := map[string]interface{}{
		"owner":  githubv4.String(owner),
		"name":   githubv4.String(name),
		"cursor": cursorArg(cursor),
	}

	if err := c.gql.Query(ctx, &q, vars); err != nil {
		return PullPage{}, fmt.Errorf("querying open pulls for %s: %w", repoID, err)
	}

	page := PullPage{
		HasMore:    bool(q.Repository.PullRequests.PageInfo.HasNextPage),
		NextCursor: string(q.Repository.PullRequests.PageInfo.EndCursor),
	}
	for _, n := range q.Repository.PullRequests.Nodes {
		page.Numbers = append(page.Numbers, int(n.Number))
	}
	return page, nil
}

func cursorArg(cursor string) *githubv4.String {
	if cursor == "" {
		return nil
	}
	v := githubv4.String(cursor)
	return &v
}

func (c *GHClient) GetPull(ctx context.Context, repoID string, number int) (PRSnapshot, error) {
	owner, name := splitRepoID(repoID)
	pr, _, err := c.rest.PullRequests.Get(ctx, owner, name, number)
	if err != nil {
		return PRSnapshot{}, fmt.Errorf("getting pull %s#%d: %w", repoID, number, err)
	}

	snap := PRSnapshot{
		Number:              pr.GetNumber(),
		Title:               pr.GetTitle(),
		Body:                pr.GetBody(),
		Author:              pr.GetUser().GetLogin(),
		HeadBranch:          pr.GetHead().GetRef(),
		HeadSHA:             pr.GetHead().GetSHA(),
		HeadRepo:            pr.GetHead().GetRepo().GetFullName(),
		BaseBranch:          pr.GetBase().GetRef(),
		BaseSHA:             pr.GetBase().GetSHA(),
		Draft:               pr.GetDraft(),
		MaintainerCanModify: pr.GetMaintainerCanModify(),
		UpdatedAt:           pr.GetUpdatedAt().Time,
	}
	if pr.Mergeable != nil {
		snap.MergeableKnown = true
		snap.MergeableClean = pr.GetMergeable()
	}
	for _, l := range pr.Labels {
		snap.Labels = append(snap.Labels, l.GetName())
	}

	decision, err := c.GetReviewDecision(ctx, repoID, number)
	if err == nil {
		snap.ReviewDecision = decision
	}

	return snap, nil
}

func (c *GHClient) PostComment(ctx context.Context, repoID string, number int, body string) error {
	owner, name := splitRepoID(repoID)
	_, _, err := c.rest.Issues.CreateComment(ctx, owner, name, number, &gogithub.IssueComment{Body: &body})
	if err != nil {
		return fmt.Errorf("posting comment on %s#%d: %w", repoID, number, err)
	}
	return nil
}

func (c *GHClient) SetLabels(ctx context.Context, repoID string, number int, labels []string) error {
	owner, name := splitRepoID(repoID)
	_, _, err := c.rest.Issues.ReplaceLabelsForIssue(ctx, owner, name, number, labels)
	if err != nil {
		return fmt.Errorf("setting labels on %s#%d: %w", repoID, number, err)
	}
	return nil
}

func (c *GHClient) UpsertCheckRun(ctx context.Context, repoID, sha, name string, status CheckStatus, conclusion CheckConclusion, output string) error {
	owner, repoName := splitRepoID(repoID)

	opts := gogithub.CreateCheckRunOptions{
		Name:    name,
		HeadSHA: sha,
		Status:  gogithub.Ptr(string(status)),
		Output: &gogithub.CheckRunOutput{
			Title:   &name,
			Summary: &output,
		},
	}
	if status == CheckStatusCompleted {
		c := string(conclusion)
		opts.Conclusion = &c
	}

	_, _, err := c.rest.Checks.CreateCheckRun(ctx, owner, repoName, opts)
	if err != nil {
		return fmt.Errorf("upserting check run %q on %s@%s: %w", name, repoID, sha, err)
	}
	return nil
}

func (c *GHClient) MergePull(ctx context.Context, repoID string, number int, method MergeMethod, headSHA, commitMessage string) error {
	owner, name := splitRepoID(repoID)
	opts := &gogithub.PullRequestOptions{
		SHA:         headSHA,
		MergeMethod: string(method),
	}
	_, _, err := c.rest.PullRequests.Merge(ctx, owner, name, number, commitMessage, opts)
	if err != nil {
		return fmt.Errorf("merging %s#%d: %w", repoID, number, err)
	}
	return nil
}

func (c *GHClient) UpdateRef(ctx context.Context, repoID, ref, sha string, force bool, expectedSHA string) error {
	owner, name := splitRepoID(repoID)

	if expectedSHA != "" {
		current, _, err := c.rest.Git.GetRef(ctx, owner, name, ref)
		if err != nil {
			return fmt.Errorf("reading ref %s on %s: %w", ref, repoID, err)
		}
		if current.GetObject().GetSHA() != expectedSHA {
			return fmt.Errorf("%w: ref %s is at %q, expected %q", ErrRefMismatch, ref, current.GetObject().GetSHA(), expectedSHA)
		}
	}

	_, _, err := c.rest.Git.UpdateRef(ctx, owner, name, &gogithub.Reference{
		Ref:    &ref,
		Object: &gogithub.GitObject{SHA: &sha},
	}, force)
	if err != nil {
		return fmt.Errorf("updating ref %s on %s: %w", ref, repoID, err)
	}
	return nil
}

func (c *GHClient) GetCombinedStatus(ctx context.Context, repoID, sha string) (CombinedStatus, error) {
	owner, name := splitRepoID(repoID)
	status, _, err := c.rest.Repositories.GetCombinedStatus(ctx, owner, name, sha, nil)
	if err != nil {
		return CombinedStatus{}, fmt.Errorf("getting combined status for %s@%s: %w", repoID, sha, err)
	}
	out := CombinedStatus{Contexts: make(map[string]CheckConclusion)}
	for _, s := range status.Statuses {
		out.Contexts[s.GetContext()] = CheckConclusion(s.GetState())
	}
	return out, nil
}

func (c *GHClient) GetReviewDecision(ctx context.Context, repoID string, number int) (ReviewDecision, error) {
	owner, name := splitRepoID(repoID)

	var q struct {
		Repository struct {
			PullRequest struct {
				ReviewDecision githubv4.String
			} `graphql:"pullRequest(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}
	vars := map[string]interface{}{
		"owner":  githubv4.String(owner),
		"name":   githubv4.String(name),
		"number": githubv4.Int(number),
	}
	if err := c.gql.Query(ctx, &q, vars); err != nil {
		return ReviewRequired, fmt.Errorf("querying review decision for %s#%d: %w", repoID, number, err)
	}

	switch q.Repository.PullRequest.ReviewDecision {
	case "APPROVED":
		return ReviewApproved, nil
	case "CHANGES_REQUESTED":
		return ReviewChangesRequested, nil
	default:
		return ReviewRequired, nil
	}
}

func (c *GHClient) HasWriteAccess(repoID, login string) bool {
	if v, ok := c.writeAccessCache[repoID+"/"+login]; ok {
		return v
	}
	owner, name := splitRepoID(repoID)
	perm, _, err := c.rest.Repositories.GetPermissionLevel(context.Background(), owner, name, login)
	has := err == nil && (perm.GetPermission() == "admin" || perm.GetPermission() == "write")
	c.writeAccessCache[repoID+"/"+login] = has
	return has
}

var _ Client = (*GHClient)(nil)
