// Package api provides common API types and responses.
package api

import pkgsync "github.com/stacklok/issuesync/internal/sync"

// HealthResponse represents the health check response
type HealthResponse struct {
	Status string `json:"status" example:"healthy"`
}

// ReadinessResponse represents the readiness check response
type ReadinessResponse struct {
	Status string `json:"status" example:"ready"`
}

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// TriggerRequest is the optional body of POST /api/v1/sync
type TriggerRequest struct {
	// Since overrides the start of the window (ISO-8601)
	Since string `json:"since,omitempty" example:"2024-05-01T00:00:00Z"`
}

// TriggerResponse acknowledges an accepted trigger
type TriggerResponse struct {
	Status string `json:"status" example:"accepted"`
	Since  string `json:"since,omitempty"`
}

// LastRunResponse is the report of the last finished run
type LastRunResponse struct {
	Running bool         `json:"running"`
	Run     *pkgsync.Run `json:"run,omitempty"`
}
