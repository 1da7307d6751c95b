package repowatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v68/github"
)

// API is the slice of the GitHub API the skill uses. Tests substitute a
// fake; production wiring uses Client.
type API interface {
	CreateIssue(ctx context.Context, title, body string) (*github.Issue, error)
	MergePullRequest(ctx context.Context, number int, commitMessage string) (*github.PullRequestMergeResult, error)
	ListOpenPullRequests(ctx context.Context) ([]*github.PullRequest, error)
}

// Client implements API against one repository.
type Client struct {
	gh    *github.Client
	owner string
	repo  string
}

// NewClient builds a Client for an "owner/name" repository slug. An empty
// token yields an unauthenticated client, good enough for public repos.
func NewClient(token, slug string) (*Client, error) {
	owner, repo, ok := strings.Cut(slug, "/")
	if !ok || owner == "" || repo == "" {
		return nil, fmt.Errorf("repository must be owner/name, got %q", slug)
	}
	gh := github.NewClient(nil)
	if token != "" {
		gh = gh.WithAuthToken(token)
	}
	return &Client{gh: gh, owner: owner, repo: repo}, nil
}

// CreateIssue opens a new issue.
func (c *Client) CreateIssue(ctx context.Context, title, body string) (*github.Issue, error) {
	issue, _, err := c.gh.Issues.Create(ctx, c.owner, c.repo, &github.IssueRequest{
		Title: github.Ptr(title),
		Body:  github.Ptr(body),
	})
	if err != nil {
		return nil, fmt.Errorf("create issue in %s/%s: %w", c.owner, c.repo, err)
	}
	return issue, nil
}

// MergePullRequest merges one pull request with the given commit message.
func (c *Client) MergePullRequest(ctx context.Context, number int, commitMessage string) (*github.PullRequestMergeResult, error) {
	res, _, err := c.gh.PullRequests.Merge(ctx, c.owner, c.repo, number, commitMessage, nil)
	if err != nil {
		return nil, fmt.Errorf("merge pull request #%d: %w", number, err)
	}
	return res, nil
}

// ListOpenPullRequests returns the first page of open pull requests, newest
// activity first.
func (c *Client) ListOpenPullRequests(ctx context.Context) ([]*github.PullRequest, error) {
	prs, _, err := c.gh.PullRequests.List(ctx, c.owner, c.repo, &github.PullRequestListOptions{
		State:       "open",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: 100},
	})
	if err != nil {
		return nil, fmt.Errorf("list pull requests for %s/%s: %w", c.owner, c.repo, err)
	}
	return prs, nil
}
