package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/pcl-labs/mediaflow/internal/models"
)

// RecordEventParams collects inputs for one pipeline event row.
type RecordEventParams struct {
	UserID  string
	JobID   *string
	Type    string
	Stage   string
	Status  string
	Message string
	Data    map[string]any

	// NotifyLevel, when non-empty, also creates a user-facing notification.
	// Notification failures are logged, never propagated: they must not fail
	// the event write or the job that triggered it.
	NotifyLevel string
}

// RecordEvent appends a row to the pipeline ledger. The storage layer assigns
// the sequence number, which subscribers use as their replay cursor.
func (s *Store) RecordEvent(ctx context.Context, p RecordEventParams) (models.PipelineEvent, error) {
	var dataJSON []byte
	if p.Data != nil {
		var err error
		dataJSON, err = json.Marshal(p.Data)
		if err != nil {
			return models.PipelineEvent{}, fmt.Errorf("marshal event data: %w", err)
		}
	}

	ev := models.PipelineEvent{
		ID:      uuid.New().String(),
		UserID:  p.UserID,
		JobID:   p.JobID,
		Type:    p.Type,
		Stage:   p.Stage,
		Status:  p.Status,
		Message: p.Message,
		Data:    p.Data,
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO pipeline_events (id, user_id, job_id, type, stage, status, message, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		RETURNING sequence, created_at
	`, ev.ID, ev.UserID, ev.JobID, ev.Type, ev.Stage, ev.Status, ev.Message, dataJSON)
	if err := row.Scan(&ev.Sequence, &ev.CreatedAt); err != nil {
		return models.PipelineEvent{}, fmt.Errorf("insert pipeline event: %w", err)
	}

	if p.NotifyLevel != "" {
		if _, err := s.CreateNotification(ctx, ev.UserID, p.NotifyLevel, p.Message, p.Data, &ev.ID); err != nil {
			log.Printf("notification for event %s failed: %v", ev.ID, err)
		}
	}
	return ev, nil
}

// ListEventsAfter returns events with sequence > since for a user, oldest
// first, optionally filtered to one job.
func (s *Store) ListEventsAfter(ctx context.Context, userID string, jobID *string, since int64, limit int) ([]models.PipelineEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sequence, id, user_id, job_id, type, stage, status, message, data, created_at
		FROM pipeline_events
		WHERE user_id = $1 AND sequence > $2 AND ($3::text IS NULL OR job_id = $3)
		ORDER BY sequence ASC
		LIMIT $4
	`, userID, since, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []models.PipelineEvent
	for rows.Next() {
		var ev models.PipelineEvent
		var dataJSON []byte
		if err := rows.Scan(&ev.Sequence, &ev.ID, &ev.UserID, &ev.JobID, &ev.Type, &ev.Stage,
			&ev.Status, &ev.Message, &dataJSON, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := unmarshalMaybe(dataJSON, &ev.Data); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// DeleteEventsBefore removes ledger rows older than the cutoff. Used by the
// retention sweeper only; the ledger is otherwise append-only.
func (s *Store) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM pipeline_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old events: %w", err)
	}
	return tag.RowsAffected(), nil
}
