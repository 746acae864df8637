package github

import (
	"context"
	"fmt"

	gh "github.com/google/go-github/v68/github"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/logger"
)

// hardCap bounds every paged collection regardless of caller limits.
const hardCap = 300

const pageSize = 100

// Bridge performs provider REST operations on behalf of a session.
// Token resolution (prompt author first, session owner second) happens in
// the session agent; the bridge receives an already-resolved token.
type Bridge struct {
	factory ClientFactory
	logger  *logger.Logger
}

// NewBridge creates a provider bridge. A nil factory uses api.github.com.
func NewBridge(log *logger.Logger, factory ClientFactory) *Bridge {
	if factory == nil {
		factory = DefaultClientFactory
	}
	return &Bridge{
		factory: factory,
		logger:  log.WithFields(zap.String("component", "github-bridge")),
	}
}

// DefaultBranch fetches the repository's default branch, falling back to
// "main" when the call fails.
func (b *Bridge) DefaultBranch(ctx context.Context, token, repoURL string) string {
	owner, repo, err := ParseRepoURL(repoURL)
	if err != nil {
		return "main"
	}
	r, _, err := b.factory(token).Repositories.Get(ctx, owner, repo)
	if err != nil || r.GetDefaultBranch() == "" {
		b.logger.Warn("default branch lookup failed, using main",
			zap.String("repo", owner+"/"+repo), zap.Error(err))
		return "main"
	}
	return r.GetDefaultBranch()
}

// CreatePR opens a pull request from head into base. An empty base uses
// the repository default branch.
func (b *Bridge) CreatePR(ctx context.Context, token, repoURL, title, body, head, base string, draft bool) (*PRInfo, error) {
	owner, repo, err := ParseRepoURL(repoURL)
	if err != nil {
		return nil, err
	}
	if base == "" {
		base = b.DefaultBranch(ctx, token, repoURL)
	}

	pr, _, err := b.factory(token).PullRequests.Create(ctx, owner, repo, &gh.NewPullRequest{
		Title: gh.Ptr(title),
		Body:  gh.Ptr(body),
		Head:  gh.Ptr(head),
		Base:  gh.Ptr(base),
		Draft: gh.Ptr(draft),
	})
	if err != nil {
		return nil, fmt.Errorf("create pull request: %w", err)
	}
	return convertPR(pr), nil
}

// UpdatePR edits title, body, or state of an existing pull request.
func (b *Bridge) UpdatePR(ctx context.Context, token, repoURL string, number int, title, body, state string) (*PRInfo, error) {
	owner, repo, err := ParseRepoURL(repoURL)
	if err != nil {
		return nil, err
	}
	patch := &gh.PullRequest{}
	if title != "" {
		patch.Title = gh.Ptr(title)
	}
	if body != "" {
		patch.Body = gh.Ptr(body)
	}
	if state != "" {
		patch.State = gh.Ptr(state)
	}
	pr, _, err := b.factory(token).PullRequests.Edit(ctx, owner, repo, number, patch)
	if err != nil {
		return nil, fmt.Errorf("update pull request #%d: %w", number, err)
	}
	return convertPR(pr), nil
}

// ListPRs lists pull requests on the repo, newest first. The returned bool
// reports truncation at the limit.
func (b *Bridge) ListPRs(ctx context.Context, token, repoURL, state string, limit int) ([]PRInfo, bool, error) {
	owner, repo, err := ParseRepoURL(repoURL)
	if err != nil {
		return nil, false, err
	}
	limit = clampLimit(limit)
	if state == "" {
		state = "open"
	}

	client := b.factory(token)
	opts := &gh.PullRequestListOptions{
		State:       state,
		Sort:        "created",
		Direction:   "desc",
		ListOptions: gh.ListOptions{PerPage: pageSize},
	}

	var out []PRInfo
	truncated := false
	for {
		prs, resp, err := client.PullRequests.List(ctx, owner, repo, opts)
		if err != nil {
			return nil, false, fmt.Errorf("list pull requests: %w", err)
		}
		for _, pr := range prs {
			if len(out) >= limit {
				truncated = true
				break
			}
			out = append(out, *convertPR(pr))
		}
		if truncated || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, truncated, nil
}

// InspectPR composes PR metadata, files, reviews, review comments, the
// combined commit status, and check runs into one result. Comments that
// belong to dismissed reviews are filtered out.
func (b *Bridge) InspectPR(ctx context.Context, token, repoURL string, number, fileLimit, commentLimit, checkLimit int) (*Inspection, error) {
	owner, repo, err := ParseRepoURL(repoURL)
	if err != nil {
		return nil, err
	}
	client := b.factory(token)

	pr, _, err := client.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, fmt.Errorf("get pull request #%d: %w", number, err)
	}

	insp := &Inspection{
		PR:        *convertPR(pr),
		Body:      pr.GetBody(),
		Files:     []PRFile{},
		Reviews:   []PRReview{},
		Comments:  []PRComment{},
		CheckRuns: []CheckRun{},
	}

	fileLimit = clampLimit(fileLimit)
	commentLimit = clampLimit(commentLimit)
	checkLimit = clampLimit(checkLimit)

	// Files.
	fopts := &gh.ListOptions{PerPage: pageSize}
	for {
		files, resp, err := client.PullRequests.ListFiles(ctx, owner, repo, number, fopts)
		if err != nil {
			return nil, fmt.Errorf("list PR files: %w", err)
		}
		for _, f := range files {
			if len(insp.Files) >= fileLimit {
				insp.FilesTruncated = true
				break
			}
			insp.Files = append(insp.Files, PRFile{
				Path:      f.GetFilename(),
				Status:    f.GetStatus(),
				Additions: f.GetAdditions(),
				Deletions: f.GetDeletions(),
			})
		}
		if insp.FilesTruncated || resp.NextPage == 0 {
			break
		}
		fopts.Page = resp.NextPage
	}

	// Reviews; remember dismissed ones to filter their comments.
	dismissed := map[int64]bool{}
	ropts := &gh.ListOptions{PerPage: pageSize}
	for {
		reviews, resp, err := client.PullRequests.ListReviews(ctx, owner, repo, number, ropts)
		if err != nil {
			return nil, fmt.Errorf("list PR reviews: %w", err)
		}
		for _, r := range reviews {
			if r.GetState() == "DISMISSED" {
				dismissed[r.GetID()] = true
			}
			if len(insp.Reviews) < hardCap {
				insp.Reviews = append(insp.Reviews, PRReview{
					ID:     r.GetID(),
					Author: r.GetUser().GetLogin(),
					State:  r.GetState(),
					Body:   r.GetBody(),
				})
			}
		}
		if resp.NextPage == 0 {
			break
		}
		ropts.Page = resp.NextPage
	}

	// Review comments, skipping those attached to dismissed reviews.
	copts := &gh.PullRequestListCommentsOptions{ListOptions: gh.ListOptions{PerPage: pageSize}}
	for {
		comments, resp, err := client.PullRequests.ListComments(ctx, owner, repo, number, copts)
		if err != nil {
			return nil, fmt.Errorf("list PR comments: %w", err)
		}
		for _, c := range comments {
			if dismissed[c.GetPullRequestReviewID()] {
				continue
			}
			if len(insp.Comments) >= commentLimit {
				insp.CommentsTruncated = true
				break
			}
			insp.Comments = append(insp.Comments, PRComment{
				ID:       c.GetID(),
				ReviewID: c.GetPullRequestReviewID(),
				Author:   c.GetUser().GetLogin(),
				Path:     c.GetPath(),
				Body:     c.GetBody(),
			})
		}
		if insp.CommentsTruncated || resp.NextPage == 0 {
			break
		}
		copts.Page = resp.NextPage
	}

	ref := pr.GetHead().GetSHA()
	if ref != "" {
		status, _, err := client.Repositories.GetCombinedStatus(ctx, owner, repo, ref, &gh.ListOptions{PerPage: 1})
		if err == nil {
			insp.CombinedStatus = status.GetState()
		}

		chopts := &gh.ListCheckRunsOptions{ListOptions: gh.ListOptions{PerPage: pageSize}}
		for {
			runs, resp, err := client.Checks.ListCheckRunsForRef(ctx, owner, repo, ref, chopts)
			if err != nil {
				break
			}
			for _, cr := range runs.CheckRuns {
				if len(insp.CheckRuns) >= checkLimit {
					insp.ChecksTruncated = true
					break
				}
				insp.CheckRuns = append(insp.CheckRuns, CheckRun{
					Name:       cr.GetName(),
					Status:     cr.GetStatus(),
					Conclusion: cr.GetConclusion(),
					URL:        cr.GetHTMLURL(),
				})
			}
			if insp.ChecksTruncated || resp.NextPage == 0 {
				break
			}
			chopts.Page = resp.NextPage
		}
	}

	return insp, nil
}

// ListRepos lists repositories visible to the token's user, capped at 300.
func (b *Bridge) ListRepos(ctx context.Context, token string) ([]RepoInfo, error) {
	client := b.factory(token)
	opts := &gh.RepositoryListByAuthenticatedUserOptions{
		Sort:        "updated",
		ListOptions: gh.ListOptions{PerPage: pageSize},
	}

	var out []RepoInfo
	for {
		repos, resp, err := client.Repositories.ListByAuthenticatedUser(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("list repositories: %w", err)
		}
		for _, r := range repos {
			if len(out) >= hardCap {
				return out, nil
			}
			out = append(out, RepoInfo{
				Name:          r.GetName(),
				FullName:      r.GetFullName(),
				URL:           r.GetHTMLURL(),
				Description:   r.GetDescription(),
				DefaultBranch: r.GetDefaultBranch(),
				Private:       r.GetPrivate(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func convertPR(pr *gh.PullRequest) *PRInfo {
	return &PRInfo{
		Number:    pr.GetNumber(),
		Title:     pr.GetTitle(),
		URL:       pr.GetHTMLURL(),
		State:     pr.GetState(),
		Head:      pr.GetHead().GetRef(),
		Base:      pr.GetBase().GetRef(),
		Draft:     pr.GetDraft(),
		CreatedAt: pr.GetCreatedAt().Time,
	}
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > hardCap {
		return hardCap
	}
	return limit
}
