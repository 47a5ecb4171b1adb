// Package jira provides the client for the issue search API
package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/stacklok/issuesync/internal/credentials"
)

const (
	// SearchPath is the enhanced JQL search endpoint
	SearchPath = "/rest/api/3/search/jql"

	// DefaultTimeout is the default timeout for a search request
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize is the maximum allowed response size (100MB)
	MaxResponseSize = 100 * 1024 * 1024

	// UserAgent is the user agent string for HTTP requests
	UserAgent = "issuesync/1.0"

	// maxErrorBody bounds how much of an error response is kept in the message
	maxErrorBody = 512
)

// Client searches issues
//
//go:generate mockgen -destination=mocks/mock_client.go -package=mocks github.com/stacklok/issuesync/internal/jira Client
type Client interface {
	// Search returns one page of issues matching the request
	Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error)
}

// DefaultClient is the HTTP implementation of Client
type DefaultClient struct {
	client *http.Client
	creds  credentials.Credentials
	now    func() time.Time
}

// NewClient creates a client for the given credentials.
// If timeout is 0, uses DefaultTimeout.
func NewClient(creds *credentials.Credentials, timeout time.Duration) (*DefaultClient, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	return &DefaultClient{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		creds: *creds,
		now:   time.Now,
	}, nil
}

// Search performs one search request
func (c *DefaultClient) Search(ctx context.Context, searchReq *SearchRequest) (*SearchResponse, error) {
	body, err := json.Marshal(searchReq)
	if err != nil {
		return nil, fmt.Errorf("failed to encode search request: %w", err)
	}

	url := c.creds.BaseURL + SearchPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if c.creds.Principal != "" {
		req.SetBasicAuth(c.creds.Principal, c.creds.Token.Reveal())
	} else {
		req.Header.Set("Authorization", "Bearer "+c.creds.Token.Reveal())
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		message := resp.Status
		if len(bytes.TrimSpace(snippet)) > 0 {
			message = fmt.Sprintf("%s: %s", resp.Status, bytes.TrimSpace(snippet))
		}
		httpErr := NewHTTPError(resp.StatusCode, url, message)
		httpErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), c.now())
		return nil, httpErr
	}

	if resp.ContentLength > MaxResponseSize {
		return nil, fmt.Errorf("response size %d bytes exceeds maximum allowed size of %d bytes",
			resp.ContentLength, MaxResponseSize)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(data)) > MaxResponseSize {
		return nil, fmt.Errorf("response size exceeds maximum allowed size of %d bytes", MaxResponseSize)
	}

	var page SearchResponse
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	return &page, nil
}
