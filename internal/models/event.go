package models

import "time"

// Event types recorded on the pipeline ledger.
const (
	EventJobQueued    = "job_queued"
	EventJobStarted   = "job_started"
	EventJobProgress  = "job_progress"
	EventJobRetried   = "job_retried"
	EventJobCompleted = "job_completed"
	EventJobFailed    = "job_failed"
	EventJobCancelled = "job_cancelled"
)

// PipelineEvent is an append-only ledger row. Sequence is assigned by the
// storage layer and serves as the replay cursor for subscribers.
type PipelineEvent struct {
	Sequence  int64          `json:"sequence"`
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	JobID     *string        `json:"job_id,omitempty"`
	Type      string         `json:"type"`
	Stage     string         `json:"stage,omitempty"`
	Status    string         `json:"status,omitempty"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Notification levels accepted by RecordEvent's optional notify path.
const (
	NotifyInfo    = "info"
	NotifyWarning = "warning"
	NotifyError   = "error"
)

// Notification is a user-facing message derived from a pipeline event,
// delivered and dismissed independently of the event ledger.
type Notification struct {
	ID        int64          `json:"id"`
	UserID    string         `json:"user_id"`
	Level     string         `json:"level"`
	Text      string         `json:"text"`
	Context   map[string]any `json:"context,omitempty"`
	EventID   *string        `json:"event_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
