// client/client.go
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"tigdiff/internal/api"
	"tigdiff/internal/engine"
	tigerrors "tigdiff/internal/errors"
	"tigdiff/internal/project"
	"tigdiff/internal/scan"
	"tigdiff/internal/vcs"
)

// Client talks to a running `tigdiff serve`.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: time.Second * 10,
		},
	}
}

// Repository operations
func (c *Client) Repositories(ctx context.Context) (*api.RepositoriesResponse, error) {
	var result api.RepositoriesResponse
	if err := c.do(ctx, http.MethodGet, "/api/repositories", nil, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RecentCommits lists up to limit commits of repo, newest first. A nil repo
// selects the lowest-numbered repository; limit <= 0 uses the server default.
func (c *Client) RecentCommits(ctx context.Context, repo *scan.EntryID, limit int) ([]project.CommitSummary, error) {
	q := url.Values{}
	if repo != nil {
		q.Set("repo", strconv.FormatUint(uint64(*repo), 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/commits"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var commits []project.CommitSummary
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &commits); err != nil {
		return nil, err
	}
	return commits, nil
}

// Change operations
func (c *Client) EditChange(ctx context.Context, repo *scan.EntryID, change engine.ChangeID) error {
	body := api.ChangeRequest{Repository: repo}
	return c.do(ctx, http.MethodPost, "/api/changes/"+url.PathEscape(string(change))+"/edit", body, http.StatusNoContent, nil)
}

func (c *Client) DescribeChange(ctx context.Context, repo *scan.EntryID, change engine.ChangeID, description string) error {
	body := api.ChangeRequest{Repository: repo, Description: &description}
	return c.do(ctx, http.MethodPost, "/api/changes/"+url.PathEscape(string(change))+"/describe", body, http.StatusNoContent, nil)
}

// File operations. path is relative to the container root.
func (c *Client) Diff(ctx context.Context, container scan.ContainerID, path string, unstaged bool) (*api.DiffResponse, error) {
	q := fileQuery(container, path)
	if unstaged {
		q.Set("kind", "unstaged")
	}
	var result api.DiffResponse
	if err := c.do(ctx, http.MethodGet, "/api/diff?"+q.Encode(), nil, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Blame(ctx context.Context, container scan.ContainerID, path string) ([]vcs.BlameLine, error) {
	var lines []vcs.BlameLine
	if err := c.do(ctx, http.MethodGet, "/api/blame?"+fileQuery(container, path).Encode(), nil, http.StatusOK, &lines); err != nil {
		return nil, err
	}
	return lines, nil
}

func (c *Client) Status(ctx context.Context, container scan.ContainerID, path string) (*api.StatusResponse, error) {
	var result api.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/status?"+fileQuery(container, path).Encode(), nil, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func fileQuery(container scan.ContainerID, path string) url.Values {
	q := url.Values{}
	q.Set("container", strconv.FormatUint(uint64(container), 10))
	q.Set("path", path)
	return q
}

// do sends body as JSON and decodes the response into out. Error
// responses come back as *tigerrors.Error carrying the server's kind.
func (c *Client) do(ctx context.Context, method, path string, body any, want int, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var apiErr api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Kind == "" {
			return fmt.Errorf("unexpected status: %s", resp.Status)
		}
		return &tigerrors.Error{Kind: apiErr.Kind, Message: apiErr.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
