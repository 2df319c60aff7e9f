// Package github implements the GitHub adapter: a token-authenticated REST
// client, comment-posting with length splitting, and a poller that turns
// new issue and PR comments into inbound broker messages.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const apiBase = "https://api.github.com"

// Issue is the subset of the issues API the adapter consumes. Pull
// requests surface through the same endpoint with PullRequest set.
type Issue struct {
	Number      int    `json:"number"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	State       string `json:"state"`
	PullRequest *struct {
		URL string `json:"url"`
	} `json:"pull_request"`
}

// IsPullRequest reports whether the issue is a pull request.
func (i *Issue) IsPullRequest() bool { return i.PullRequest != nil }

// PR carries the head information isolation needs for PR worktrees.
type PR struct {
	Number int `json:"number"`
	Head   struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	} `json:"head"`
}

// Comment is one issue or PR conversation comment.
type Comment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	UpdatedAt time.Time `json:"updated_at"`
	IssueURL  string    `json:"issue_url"`
	User      struct {
		Login string `json:"login"`
	} `json:"user"`
}

// Client is a minimal GitHub REST v3 client.
type Client struct {
	token      string
	httpClient *http.Client
	username   string
}

// NewClient creates a client for a personal access or app installation
// token.
func NewClient(token string) *Client {
	return &Client{
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// AuthenticatedUser returns the token's login, cached after first call.
func (c *Client) AuthenticatedUser(ctx context.Context) (string, error) {
	if c.username != "" {
		return c.username, nil
	}
	var user struct {
		Login string `json:"login"`
	}
	if err := c.get(ctx, "/user", &user); err != nil {
		return "", fmt.Errorf("failed to get authenticated user: %w", err)
	}
	c.username = user.Login
	return c.username, nil
}

// GetIssue fetches one issue (or PR, via the issues endpoint).
func (c *Client) GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error) {
	var issue Issue
	endpoint := fmt.Sprintf("/repos/%s/%s/issues/%d", owner, repo, number)
	if err := c.get(ctx, endpoint, &issue); err != nil {
		return nil, fmt.Errorf("failed to get issue #%d: %w", number, err)
	}
	return &issue, nil
}

// GetPR fetches PR head details.
func (c *Client) GetPR(ctx context.Context, owner, repo string, number int) (*PR, error) {
	var pr PR
	endpoint := fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, repo, number)
	if err := c.get(ctx, endpoint, &pr); err != nil {
		return nil, fmt.Errorf("failed to get PR #%d: %w", number, err)
	}
	return &pr, nil
}

// ListComments lists issue comments across a repository updated after
// since, oldest first.
func (c *Client) ListComments(ctx context.Context, owner, repo string, since time.Time) ([]Comment, error) {
	var comments []Comment
	endpoint := fmt.Sprintf("/repos/%s/%s/issues/comments?sort=updated&direction=asc&per_page=100&since=%s",
		owner, repo, since.UTC().Format(time.RFC3339))
	if err := c.get(ctx, endpoint, &comments); err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	return comments, nil
}

// CreateComment posts a comment on an issue or PR.
func (c *Client) CreateComment(ctx context.Context, owner, repo string, number int, body string) error {
	endpoint := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, number)
	payload := map[string]string{"body": body}
	if err := c.post(ctx, endpoint, payload); err != nil {
		return fmt.Errorf("failed to create comment on #%d: %w", number, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, endpoint string, out interface{}) error {
	return c.do(ctx, http.MethodGet, endpoint, nil, out)
}

func (c *Client) post(ctx context.Context, endpoint string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, apiBase+endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("github API %s %s returned %d: %s", method, endpoint, resp.StatusCode, string(data))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
