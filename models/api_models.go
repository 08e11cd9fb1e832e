package models

import "time"

// APIError is the JSON error envelope for the trigger API.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// SyncStartResponse acknowledges accepted sync jobs. JobID is the first job
// created or reused; JobIDs carries one entry per fanned-out provider.
type SyncStartResponse struct {
	JobID  string   `json:"jobId"`
	JobIDs []string `json:"jobIds"`
}

// SyncStatusResponse is the job-row projection served by the status poll.
type SyncStatusResponse struct {
	JobID      string    `json:"jobId"`
	Provider   string    `json:"provider"`
	Mode       string    `json:"mode"`
	State      string    `json:"state"`
	Progress   int       `json:"progress"`
	Processed  int64     `json:"processed"`
	Failed     int64     `json:"failed"`
	Attempts   int       `json:"attempts"`
	ErrorClass string    `json:"errorClass,omitempty"`
	Error      string    `json:"error,omitempty"`
	Cursor     string    `json:"cursor,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// SyncStatsResponse aggregates queue-wide job counts plus graph totals.
// Waiting counts queued jobs; Active includes jobs winding down after a
// cancel request.
type SyncStatsResponse struct {
	Waiting       int64            `json:"waiting"`
	Active        int64            `json:"active"`
	Completed     int64            `json:"completed"`
	Failed        int64            `json:"failed"`
	Cancelled     int64            `json:"cancelled"`
	Nodes         int64            `json:"nodes"`
	NodesByKind   map[string]int64 `json:"nodesByKind"`
	Relationships int64            `json:"relationships"`
}

// SyncCancelResponse reports the state a cancel request left the job in:
// cancelled for queued jobs, cancelling for active ones.
type SyncCancelResponse struct {
	JobID string `json:"jobId"`
	State string `json:"state"`
}

// ConnectionResponse describes one stored credential with the token material
// omitted.
type ConnectionResponse struct {
	Provider  string    `json:"provider"`
	Valid     bool      `json:"valid"`
	ExpiresAt time.Time `json:"expiresAt"`
	Scopes    []string  `json:"scopes,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AuthorizeResponse carries the provider consent URL for the OAuth
// authorization-code flow.
type AuthorizeResponse struct {
	URL string `json:"url"`
}
