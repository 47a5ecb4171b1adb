package jira

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stacklok/issuesync/internal/issue"
)

// SearchRequest is the body of POST /rest/api/3/search/jql
type SearchRequest struct {
	JQL           string   `json:"jql"`
	MaxResults    int      `json:"maxResults"`
	NextPageToken string   `json:"nextPageToken,omitempty"`
	Fields        []string `json:"fields,omitempty"`
}

// SearchResponse is one page of search results
type SearchResponse struct {
	Issues        []issue.SourceRecord `json:"issues"`
	NextPageToken string               `json:"nextPageToken,omitempty"`
	IsLast        bool                 `json:"isLast"`
}

// HTTPError represents a non-2xx response from the search endpoint
type HTTPError struct {
	StatusCode int
	Message    string
	URL        string

	// RetryAfter is the server-requested delay, zero when absent
	RetryAfter time.Duration
}

// Error returns the error message
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d for URL %s: %s", e.StatusCode, e.URL, e.Message)
}

// IsAuth reports whether the response rejected the credentials or their permissions
func (e *HTTPError) IsAuth() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// IsTransient reports whether the request may succeed if repeated
func (e *HTTPError) IsTransient() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode >= http.StatusInternalServerError
}

// NewHTTPError creates a new HTTP error
func NewHTTPError(statusCode int, url, message string) *HTTPError {
	return &HTTPError{
		StatusCode: statusCode,
		URL:        url,
		Message:    message,
	}
}

// maxRetryAfter caps a server hint so that absurd values cannot overflow a Duration
const maxRetryAfter = 24 * time.Hour

// parseRetryAfter reads a Retry-After header given either in seconds or as an HTTP date
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		if seconds > int(maxRetryAfter/time.Second) {
			return maxRetryAfter
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return min(d, maxRetryAfter)
		}
	}
	return 0
}
