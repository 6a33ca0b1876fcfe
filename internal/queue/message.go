package queue

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message is the wire-level unit sent through a Transport: a flat,
// JSON-serializable mapping. A message carries either a job type (job
// pipeline) or an operation (ad-hoc document operation), never both.
type Message struct {
	JobID     string `json:"job_id"`
	UserID    string `json:"user_id"`
	JobType   string `json:"job_type,omitempty"`
	Operation string `json:"operation,omitempty"`
}

// Validate rejects malformed messages before they reach a transport.
func (m Message) Validate() error {
	if m.JobID == "" {
		return errors.New("queue message missing job_id")
	}
	if m.UserID == "" {
		return errors.New("queue message missing user_id")
	}
	if m.JobType == "" && m.Operation == "" {
		return errors.New("queue message needs job_type or operation")
	}
	if m.JobType != "" && m.Operation != "" {
		return errors.New("queue message cannot carry both job_type and operation")
	}
	return nil
}

// Marshal serializes the message for the wire.
func (m Message) Marshal() ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal queue message: %w", err)
	}
	return raw, nil
}

// Unmarshal parses a wire payload back into a Message and validates it.
func Unmarshal(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("unmarshal queue message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// AsMap returns the flat map form used for dead-letter audit rows.
func (m Message) AsMap() map[string]any {
	out := map[string]any{"job_id": m.JobID, "user_id": m.UserID}
	if m.JobType != "" {
		out["job_type"] = m.JobType
	}
	if m.Operation != "" {
		out["operation"] = m.Operation
	}
	return out
}
