// Package remote provides the HTTP client for the remote authority. It
// implements both delivery ports: push for the offline write queue and
// push/pull for the sync engine.
//
// The wire contract is minimal: POST {base}/{collection} with a JSON
// document body, and GET {base}/{collection}?since={millis} returning a
// JSON array of documents. Every failure mode (connection errors,
// non-2xx statuses, undecodable bodies) is returned as an error and
// treated as retryable by the callers.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tillworks/tillsync/internal/store"
)

// Client talks to the remote authority over HTTP.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a Client for the given API base URL.
// If httpClient is nil, a client with a 10s timeout is used.
func NewClient(base string, httpClient *http.Client) (*Client, error) {
	if base == "" {
		return nil, fmt.Errorf("api base cannot be empty")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: httpClient,
	}, nil
}

// Push delivers one document to the remote authority.
func (c *Client) Push(ctx context.Context, collection string, doc store.Doc) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", collection, doc.ID, err)
	}

	endpoint := fmt.Sprintf("%s/%s", c.base, url.PathEscape(collection))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("push %s/%s: %w", collection, doc.ID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("push %s/%s: unexpected status %s", collection, doc.ID, resp.Status)
	}
	return nil
}

// Pull requests documents updated since the given watermark.
func (c *Client) Pull(ctx context.Context, collection string, since int64) ([]store.Doc, error) {
	endpoint := fmt.Sprintf("%s/%s?since=%s",
		c.base, url.PathEscape(collection), strconv.FormatInt(since, 10))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build pull request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pull %s: %w", collection, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("pull %s: unexpected status %s", collection, resp.Status)
	}

	var docs []store.Doc
	if err := json.NewDecoder(resp.Body).Decode(&docs); err != nil {
		return nil, fmt.Errorf("pull %s: malformed response: %w", collection, err)
	}
	return docs, nil
}
