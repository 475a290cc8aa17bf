// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tracker talks to the external ticket tracker. The tracker is the
// system of record for tickets; this daemon only reads items and updates and
// posts comments and column moves back.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mechanic-dev/mechanic/pkg/errors"
)

// Item is a tracker ticket.
type Item struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	Status        string `json:"status"`
	Column        string `json:"column"`
	Priority      int    `json:"priority"`
	RepositoryURL string `json:"repository_url"`
	DefaultBranch string `json:"default_branch"`

	// OwnerID and OwnerName identify the ticket owner. The owner is only a
	// fallback identity; update authors are authoritative for mentions.
	OwnerID   string `json:"owner_id"`
	OwnerName string `json:"owner_name"`
}

// Update is one comment or change entry on an item, newest first in listings.
type Update struct {
	ID          string    `json:"id"`
	ItemID      string    `json:"item_id"`
	Body        string    `json:"body"`
	AuthorID    string    `json:"author_id"`
	AuthorEmail string    `json:"author_email"`
	AuthorName  string    `json:"author_name"`
	InReplyTo   string    `json:"in_reply_to"`
	CreatedAt   time.Time `json:"created_at"`
}

// Client is the tracker operation surface the daemon needs.
type Client interface {
	// GetItem fetches one ticket.
	GetItem(ctx context.Context, itemID string) (*Item, error)

	// ListUpdates returns an item's updates, newest first.
	ListUpdates(ctx context.Context, itemID string) ([]*Update, error)

	// PostUpdate posts a comment, optionally as a reply, returning the new
	// update's id.
	PostUpdate(ctx context.Context, itemID, body, inReplyTo string) (string, error)

	// SetColumn moves the item to a board column.
	SetColumn(ctx context.Context, itemID, column string) error
}

// HTTPClient is the production tracker client.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

var _ Client = (*HTTPClient)(nil)

// Options configures the HTTP tracker client.
type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// New builds an HTTP tracker client.
func New(opts Options) (*HTTPClient, error) {
	if opts.BaseURL == "" {
		return nil, &errors.ConfigError{Key: "TRACKER_BASE_URL", Reason: "required"}
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: opts.BaseURL,
		token:   opts.Token,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// GetItem fetches one ticket.
func (c *HTTPClient) GetItem(ctx context.Context, itemID string) (*Item, error) {
	var item Item
	if err := c.do(ctx, http.MethodGet, "/items/"+url.PathEscape(itemID), nil, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// ListUpdates returns an item's updates, newest first.
func (c *HTTPClient) ListUpdates(ctx context.Context, itemID string) ([]*Update, error) {
	var out struct {
		Updates []*Update `json:"updates"`
	}
	path := "/items/" + url.PathEscape(itemID) + "/updates"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Updates, nil
}

// PostUpdate posts a comment, optionally as a reply.
func (c *HTTPClient) PostUpdate(ctx context.Context, itemID, body, inReplyTo string) (string, error) {
	in := map[string]string{"body": body}
	if inReplyTo != "" {
		in["in_reply_to"] = inReplyTo
	}
	var out struct {
		ID string `json:"id"`
	}
	path := "/items/" + url.PathEscape(itemID) + "/updates"
	if err := c.do(ctx, http.MethodPost, path, in, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// SetColumn moves the item to a board column.
func (c *HTTPClient) SetColumn(ctx context.Context, itemID, column string) error {
	in := map[string]string{"column": column}
	return c.do(ctx, http.MethodPut, "/items/"+url.PathEscape(itemID)+"/column", in, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal tracker request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build tracker request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &errors.TransientError{Operation: "tracker." + method, Message: "request failed", RetryAfter: 10 * time.Second, Cause: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &errors.NotFoundError{Resource: "tracker_item", ID: path}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &errors.TransientError{
			Operation:  "tracker." + method,
			Message:    fmt.Sprintf("tracker returned %d", resp.StatusCode),
			RetryAfter: 30 * time.Second,
		}
	case resp.StatusCode >= 400:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("tracker returned %d: %s", resp.StatusCode, data)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode tracker response: %w", err)
	}
	return nil
}
