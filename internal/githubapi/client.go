// Package githubapi wraps GitHub's REST v3 and GraphQL v4 APIs with the
// error taxonomy, retry behavior, and rate-limit tracking the engine needs.
// One Client serves one token; per-instance caches live and die with it.
package githubapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v70/github"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"
)

// DefaultRateLimitThreshold is the remaining-requests floor below which
// callers should back off.
const DefaultRateLimitThreshold = 10

// Client is a rate-limit-aware GitHub client for a single token.
type Client struct {
	rest *github.Client
	gql  *githubv4.Client
	log  *slog.Logger

	mu            sync.Mutex
	rateRemaining int
	rateReset     time.Time
	writeAccess   map[string]bool // "owner/repo" -> probe result
}

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	httpClient *http.Client
	baseURL    string
	graphqlURL string
}

// WithHTTPClient overrides the underlying HTTP client. The retry transport
// is still layered on top.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *clientConfig) { c.httpClient = hc }
}

// WithBaseURL points the REST client at a different API root (tests).
func WithBaseURL(u string) Option {
	return func(c *clientConfig) { c.baseURL = u }
}

// WithGraphQLURL points the GraphQL client at a different endpoint (tests).
func WithGraphQLURL(u string) Option {
	return func(c *clientConfig) { c.graphqlURL = u }
}

// NewClient creates a Client authenticated with the given token.
func NewClient(token string, logger *slog.Logger, opts ...Option) (*Client, error) {
	if token == "" {
		return nil, fmt.Errorf("github token cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := &clientConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	base := http.DefaultTransport
	if cfg.httpClient != nil && cfg.httpClient.Transport != nil {
		base = cfg.httpClient.Transport
	}
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	hc := &http.Client{
		Transport: &oauth2.Transport{Source: src, Base: newRetryTransport(base)},
		Timeout:   30 * time.Second,
	}

	rest := github.NewClient(hc)
	if cfg.baseURL != "" {
		u, err := url.Parse(strings.TrimSuffix(cfg.baseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid base URL: %w", err)
		}
		rest.BaseURL = u
	}

	var gql *githubv4.Client
	if cfg.graphqlURL != "" {
		gql = githubv4.NewEnterpriseClient(cfg.graphqlURL, hc)
	} else {
		gql = githubv4.NewClient(hc)
	}

	return &Client{
		rest:          rest,
		gql:           gql,
		log:           logger,
		rateRemaining: -1, // unknown until the first response
		writeAccess:   map[string]bool{},
	}, nil
}

// track records rate-limit state from a REST response.
func (c *Client) track(resp *github.Response) {
	if resp == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rateRemaining = resp.Rate.Remaining
	c.rateReset = resp.Rate.Reset.Time
}

// RateLimitRemaining returns the remaining quota seen on the last response,
// or -1 before any request has completed.
func (c *Client) RateLimitRemaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rateRemaining
}

// RateLimitLow reports whether the remaining quota is at or below threshold.
// threshold <= 0 uses the default.
func (c *Client) RateLimitLow(threshold int) bool {
	if threshold <= 0 {
		threshold = DefaultRateLimitThreshold
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rateRemaining >= 0 && c.rateRemaining <= threshold
}

// ValidateToken checks the token by fetching the authenticated user and
// returns the login.
func (c *Client) ValidateToken(ctx context.Context) (string, error) {
	user, resp, err := c.rest.Users.Get(ctx, "")
	c.track(resp)
	if err != nil {
		return "", wrapError("authenticated user", err)
	}
	return user.GetLogin(), nil
}

// Repository fetches a single repository.
func (c *Client) Repository(ctx context.Context, owner, repo string) (*github.Repository, error) {
	r, resp, err := c.rest.Repositories.Get(ctx, owner, repo)
	c.track(resp)
	if err != nil {
		return nil, wrapError(owner+"/"+repo, err)
	}
	return r, nil
}

// Repositories lists the repositories the token can push to.
func (c *Client) Repositories(ctx context.Context) ([]*github.Repository, error) {
	var out []*github.Repository
	opts := &github.RepositoryListByAuthenticatedUserOptions{
		Sort:        "updated",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		repos, resp, err := c.rest.Repositories.ListByAuthenticatedUser(ctx, opts)
		c.track(resp)
		if err != nil {
			return nil, wrapError("repositories", err)
		}
		for _, r := range repos {
			if r.GetPermissions()["push"] {
				out = append(out, r)
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// WriteAccessible probes write access by creating an unreferenced blob. The
// blob is unreachable from any ref, so nothing shows up in the repository.
// Results are cached for the client's lifetime.
func (c *Client) WriteAccessible(ctx context.Context, owner, repo string) bool {
	key := owner + "/" + repo
	c.mu.Lock()
	if cached, ok := c.writeAccess[key]; ok {
		c.mu.Unlock()
		return cached
	}
	c.mu.Unlock()

	_, resp, err := c.rest.Git.CreateBlob(ctx, owner, repo, &github.Blob{
		Content:  github.Ptr("write access probe"),
		Encoding: github.Ptr("utf-8"),
	})
	c.track(resp)
	ok := err == nil

	c.mu.Lock()
	c.writeAccess[key] = ok
	c.mu.Unlock()
	return ok
}

// Issues lists open issues for one page. Labels are OR-combined by GitHub.
func (c *Client) Issues(ctx context.Context, owner, repo string, labels []string, state string, page int) ([]*github.Issue, bool, error) {
	if state == "" {
		state = "open"
	}
	issues, resp, err := c.rest.Issues.ListByRepo(ctx, owner, repo, &github.IssueListByRepoOptions{
		Labels:      labels,
		State:       state,
		ListOptions: github.ListOptions{PerPage: 100, Page: page},
	})
	c.track(resp)
	if err != nil {
		return nil, false, wrapError(fmt.Sprintf("%s/%s issues", owner, repo), err)
	}
	return issues, resp.NextPage != 0, nil
}

// PullRequest fetches one pull request.
func (c *Client) PullRequest(ctx context.Context, owner, repo string, number int) (*github.PullRequest, error) {
	pr, resp, err := c.rest.PullRequests.Get(ctx, owner, repo, number)
	c.track(resp)
	if err != nil {
		return nil, wrapError(fmt.Sprintf("%s/%s#%d", owner, repo, number), err)
	}
	return pr, nil
}

// CreatePullRequest opens a PR from head into base.
func (c *Client) CreatePullRequest(ctx context.Context, owner, repo, title, head, base, body string) (*github.PullRequest, error) {
	pr, resp, err := c.rest.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.Ptr(title),
		Head:  github.Ptr(head),
		Base:  github.Ptr(base),
		Body:  github.Ptr(body),
	})
	c.track(resp)
	if err != nil {
		return nil, wrapError(fmt.Sprintf("%s/%s pull request", owner, repo), err)
	}
	return pr, nil
}

// Labels lists the repository's labels.
func (c *Client) Labels(ctx context.Context, owner, repo string) ([]*github.Label, error) {
	labels, resp, err := c.rest.Issues.ListLabels(ctx, owner, repo, &github.ListOptions{PerPage: 100})
	c.track(resp)
	if err != nil {
		return nil, wrapError(fmt.Sprintf("%s/%s labels", owner, repo), err)
	}
	return labels, nil
}

// CreateLabel creates a label; an already-exists conflict is not an error.
func (c *Client) CreateLabel(ctx context.Context, owner, repo, name, color string) error {
	_, resp, err := c.rest.Issues.CreateLabel(ctx, owner, repo, &github.Label{
		Name:  github.Ptr(name),
		Color: github.Ptr(color),
	})
	c.track(resp)
	if err != nil {
		werr := wrapError(name, err)
		var ae *APIError
		if errors.As(werr, &ae) && ae.Status == http.StatusUnprocessableEntity {
			return nil
		}
		return werr
	}
	return nil
}

// AddLabelsToIssue attaches labels to an issue or PR.
func (c *Client) AddLabelsToIssue(ctx context.Context, owner, repo string, number int, labels []string) error {
	_, resp, err := c.rest.Issues.AddLabelsToIssue(ctx, owner, repo, number, labels)
	c.track(resp)
	return wrapError(fmt.Sprintf("%s/%s#%d labels", owner, repo, number), err)
}

// RemoveLabelFromIssue detaches a label; a missing label is not an error.
func (c *Client) RemoveLabelFromIssue(ctx context.Context, owner, repo string, number int, label string) error {
	resp, err := c.rest.Issues.RemoveLabelForIssue(ctx, owner, repo, number, label)
	c.track(resp)
	werr := wrapError(label, err)
	var nf *NotFoundError
	if errors.As(werr, &nf) {
		return nil
	}
	return werr
}

// AddComment posts an issue/PR comment.
func (c *Client) AddComment(ctx context.Context, owner, repo string, number int, body string) error {
	_, resp, err := c.rest.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{
		Body: github.Ptr(body),
	})
	c.track(resp)
	return wrapError(fmt.Sprintf("%s/%s#%d comment", owner, repo, number), err)
}

// CheckRunsForRef lists check runs for a commit.
func (c *Client) CheckRunsForRef(ctx context.Context, owner, repo, ref string) ([]*github.CheckRun, error) {
	result, resp, err := c.rest.Checks.ListCheckRunsForRef(ctx, owner, repo, ref, &github.ListCheckRunsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	})
	c.track(resp)
	if err != nil {
		return nil, wrapError(fmt.Sprintf("%s/%s@%s check runs", owner, repo, ref), err)
	}
	return result.CheckRuns, nil
}

// IssueComments lists conversation comments on an issue or PR.
func (c *Client) IssueComments(ctx context.Context, owner, repo string, number int) ([]*github.IssueComment, error) {
	comments, resp, err := c.rest.Issues.ListComments(ctx, owner, repo, number, &github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	})
	c.track(resp)
	if err != nil {
		return nil, wrapError(fmt.Sprintf("%s/%s#%d comments", owner, repo, number), err)
	}
	return comments, nil
}

// PullRequestReviews lists reviews on a PR.
func (c *Client) PullRequestReviews(ctx context.Context, owner, repo string, number int) ([]*github.PullRequestReview, error) {
	reviews, resp, err := c.rest.PullRequests.ListReviews(ctx, owner, repo, number, &github.ListOptions{PerPage: 100})
	c.track(resp)
	if err != nil {
		return nil, wrapError(fmt.Sprintf("%s/%s#%d reviews", owner, repo, number), err)
	}
	return reviews, nil
}

// CreatePullRequestCommentReply replies to an existing review comment.
func (c *Client) CreatePullRequestCommentReply(ctx context.Context, owner, repo string, number int, body string, commentID int64) error {
	_, resp, err := c.rest.PullRequests.CreateCommentInReplyTo(ctx, owner, repo, number, body, commentID)
	c.track(resp)
	return wrapError(fmt.Sprintf("%s/%s#%d reply", owner, repo, number), err)
}
