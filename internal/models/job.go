package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
// pending is the only non-terminal state reachable from outside the worker.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Job types handled by the worker.
const (
	TypeOptimizeMedia    = "optimize_media"
	TypeIngestTranscript = "ingest_transcript"
	TypeGenerateContent  = "generate_content"
)

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Progress carries structured counters plus a free-form stage label,
// updated by the worker while a job runs.
type Progress struct {
	Stage     string `json:"stage,omitempty"`
	Total     int    `json:"total,omitempty"`
	Processed int    `json:"processed,omitempty"`
	Failed    int    `json:"failed,omitempty"`
}

// Job is one unit of asynchronous work persisted in Postgres.
//
// Invariant: CompletedAt is non-nil iff Status is terminal. NextAttemptAt is
// set only while the job is pending a retry; nil means eligible now.
type Job struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	Type          string         `json:"type"`
	Status        string         `json:"status"`
	Progress      Progress       `json:"progress"`
	Payload       map[string]any `json:"payload"`
	Output        map[string]any `json:"output,omitempty"`
	Error         *string        `json:"error,omitempty"`
	AttemptCount  int            `json:"attempt_count"`
	NextAttemptAt *time.Time     `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// DeadLetterEntry records a message that could not be processed or sent.
// Write-only audit trail; never read back into the pipeline automatically.
type DeadLetterEntry struct {
	JobID           string         `json:"job_id"`
	Error           string         `json:"error"`
	OriginalMessage map[string]any `json:"original_message"`
	FailedAt        time.Time      `json:"failed_at"`
}
