package models

import "time"

// StepInvocation caches the result of an expensive idempotent step, keyed by
// (idempotency_key, user_id). The request hash is immutable after first
// insert; a reuse of the key with a different hash is a conflict.
type StepInvocation struct {
	IdempotencyKey string         `json:"idempotency_key"`
	UserID         string         `json:"user_id"`
	StepType       string         `json:"step_type"`
	RequestHash    string         `json:"request_hash"`
	ResponseBody   map[string]any `json:"response_body"`
	StatusCode     int            `json:"status_code"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Document owns a chain of immutable versions. LatestVersionID advances only
// via compare-and-swap against the caller's previously observed value.
type Document struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	Title           string    `json:"title"`
	LatestVersionID *string   `json:"latest_version_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// DocumentVersion is an immutable content snapshot. Version numbers are
// positive, unique per document, and strictly increasing.
type DocumentVersion struct {
	ID          string         `json:"id"`
	DocumentID  string         `json:"document_id"`
	UserID      string         `json:"user_id"`
	Version     int            `json:"version"`
	Format      string         `json:"format"`
	Body        map[string]any `json:"body"`
	Frontmatter map[string]any `json:"frontmatter,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
