package githubapi

import (
	"context"
	"fmt"

	"github.com/shurcooL/githubv4"
)

// ReviewComment is one comment inside a review thread.
type ReviewComment struct {
	Body   string
	Path   string
	Line   int
	Author string
}

// ReviewThread is a normalized PR review thread.
type ReviewThread struct {
	ID         string
	IsResolved bool
	Comments   []ReviewComment
}

// ReviewThreads fetches a PR's review threads via GraphQL, which is the only
// API exposing thread resolution state.
func (c *Client) ReviewThreads(ctx context.Context, owner, repo string, number int) ([]ReviewThread, error) {
	var q struct {
		Repository struct {
			PullRequest struct {
				ReviewThreads struct {
					Nodes []struct {
						ID         githubv4.ID
						IsResolved githubv4.Boolean
						Comments   struct {
							Nodes []struct {
								Body   githubv4.String
								Path   githubv4.String
								Line   *githubv4.Int
								Author struct {
									Login githubv4.String
								}
							}
						} `graphql:"comments(first: 50)"`
					}
				} `graphql:"reviewThreads(first: 50)"`
			} `graphql:"pullRequest(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	vars := map[string]interface{}{
		"owner":  githubv4.String(owner),
		"name":   githubv4.String(repo),
		"number": githubv4.Int(number),
	}
	if err := c.gql.Query(ctx, &q, vars); err != nil {
		return nil, fmt.Errorf("failed to fetch review threads for %s/%s#%d: %w", owner, repo, number, err)
	}

	threads := make([]ReviewThread, 0, len(q.Repository.PullRequest.ReviewThreads.Nodes))
	for _, node := range q.Repository.PullRequest.ReviewThreads.Nodes {
		t := ReviewThread{
			ID:         fmt.Sprintf("%v", node.ID),
			IsResolved: bool(node.IsResolved),
		}
		for _, cm := range node.Comments.Nodes {
			line := 0
			if cm.Line != nil {
				line = int(*cm.Line)
			}
			t.Comments = append(t.Comments, ReviewComment{
				Body:   string(cm.Body),
				Path:   string(cm.Path),
				Line:   line,
				Author: string(cm.Author.Login),
			})
		}
		threads = append(threads, t)
	}
	return threads, nil
}

// ResolveReviewThread marks one thread resolved.
func (c *Client) ResolveReviewThread(ctx context.Context, threadID string) error {
	var m struct {
		ResolveReviewThread struct {
			Thread struct {
				IsResolved githubv4.Boolean
			}
		} `graphql:"resolveReviewThread(input: $input)"`
	}
	input := githubv4.ResolveReviewThreadInput{ThreadID: githubv4.ID(threadID)}
	if err := c.gql.Mutate(ctx, &m, input, nil); err != nil {
		return fmt.Errorf("failed to resolve review thread %s: %w", threadID, err)
	}
	return nil
}
