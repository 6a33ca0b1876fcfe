package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/pcl-labs/mediaflow/internal/models"
)

const jobColumns = `id, user_id, type, status, progress, payload, output, error, attempt_count, next_attempt_at, created_at, completed_at`

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	UserID  string
	Type    string
	Payload map[string]any
}

// CreateJob inserts a job row in pending state.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, user_id, type, status, progress, payload, attempt_count, created_at)
		VALUES ($1, $2, $3, $4, '{}'::jsonb, $5, 0, $6)
	`, id, p.UserID, p.Type, models.StatusPending, payloadJSON, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:        id,
		UserID:    p.UserID,
		Type:      p.Type,
		Status:    models.StatusPending,
		Payload:   p.Payload,
		CreatedAt: now,
	}, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

// ClaimDueJob atomically picks the oldest eligible pending job and moves it
// to processing. Eligible means next_attempt_at is null or in the past.
// SKIP LOCKED keeps concurrent workers from blocking on the same row; losers
// of the race simply claim the next candidate or come back empty.
// Returns ErrNotFound when nothing is due.
func (s *Store) ClaimDueJob(ctx context.Context) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET status = $1
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = $2
			  AND (next_attempt_at IS NULL OR next_attempt_at <= NOW())
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		models.StatusProcessing, models.StatusPending)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	return job, err
}

// MarkProcessing transitions pending -> processing for a broker-delivered
// message. Re-delivery of a job already picked up or finished returns
// ErrJobTerminal so the consumer can drop it without re-running side effects.
func (s *Store) MarkProcessing(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET status = $2
		WHERE id = $1 AND status = $3
		  AND (next_attempt_at IS NULL OR next_attempt_at <= NOW())
		RETURNING `+jobColumns,
		id, models.StatusProcessing, models.StatusPending)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetJob(ctx, id); getErr != nil {
			return models.Job{}, getErr
		}
		return models.Job{}, ErrJobTerminal
	}
	return job, err
}

// MarkCompleted transitions processing -> completed, storing the output and
// clearing retry metadata. The status guard makes re-delivery of an already
// finished job a no-op.
func (s *Store) MarkCompleted(ctx context.Context, id string, output map[string]any) error {
	outJSON, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, output = $3, error = NULL, next_attempt_at = NULL, completed_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.StatusCompleted, outJSON, models.StatusProcessing)
	return err
}

// MarkFailed transitions processing -> failed with a terminal error string.
func (s *Store) MarkFailed(ctx context.Context, id string, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, error = $3, next_attempt_at = NULL, completed_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.StatusFailed, errMsg, models.StatusProcessing)
	return err
}

// ScheduleRetry returns a job to pending after a transient failure,
// incrementing the attempt counter and deferring the next pickup. The status
// guard keeps a concurrent cancel from being resurrected: a job no longer in
// processing stays where it is and ErrJobTerminal is returned.
func (s *Store) ScheduleRetry(ctx context.Context, id string, attempts int, nextAttempt time.Time, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempt_count = $3, next_attempt_at = $4, error = $5
		WHERE id = $1 AND status = $6
	`, id, models.StatusPending, attempts, nextAttempt, errMsg, models.StatusProcessing)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrJobTerminal
	}
	return nil
}

// MarkEnqueueFailed fails a pending job whose message could never be handed
// to the transport. Only pending rows qualify; anything already picked up is
// left to the worker's own state handling.
func (s *Store) MarkEnqueueFailed(ctx context.Context, id string, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, error = $3, completed_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.StatusFailed, errMsg, models.StatusPending)
	return err
}

// CancelJob flips a pending or processing job to cancelled. Cancelling a job
// already in a terminal state returns ErrJobTerminal.
func (s *Store) CancelJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, next_attempt_at = NULL, completed_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)
		RETURNING `+jobColumns,
		id, models.StatusCancelled, models.StatusPending, models.StatusProcessing)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetJob(ctx, id); getErr != nil {
			return models.Job{}, getErr
		}
		return models.Job{}, ErrJobTerminal
	}
	return job, err
}

// UpdateProgress stores the structured progress blob for a running job.
func (s *Store) UpdateProgress(ctx context.Context, id string, progress models.Progress) error {
	progJSON, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	_, err = s.pool.Exec(ctx, `UPDATE jobs SET progress = $2 WHERE id = $1`, id, progJSON)
	return err
}

// InsertDeadLetter appends a dead-letter row. Callers treat failures here as
// best-effort; a DLQ write error must not mask the original failure.
func (s *Store) InsertDeadLetter(ctx context.Context, entry models.DeadLetterEntry) error {
	msgJSON, err := json.Marshal(entry.OriginalMessage)
	if err != nil {
		return fmt.Errorf("marshal original message: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO dead_letters (job_id, error, original_message, failed_at)
		VALUES ($1, $2, $3, NOW())
	`, entry.JobID, entry.Error, msgJSON)
	return err
}

// ListDeadLetters returns the user's most recent dead-letter entries.
func (s *Store) ListDeadLetters(ctx context.Context, userID string, limit int) ([]models.DeadLetterEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, error, original_message, failed_at
		FROM dead_letters
		WHERE original_message->>'user_id' = $1
		ORDER BY id DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []models.DeadLetterEntry
	for rows.Next() {
		var e models.DeadLetterEntry
		var msgJSON []byte
		if err := rows.Scan(&e.JobID, &e.Error, &msgJSON, &e.FailedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if err := json.Unmarshal(msgJSON, &e.OriginalMessage); err != nil {
			return nil, fmt.Errorf("unmarshal original message: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DueJobCount returns the number of jobs eligible for pickup right now.
func (s *Store) DueJobCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE status = $1 AND (next_attempt_at IS NULL OR next_attempt_at <= NOW())
	`, models.StatusPending).Scan(&n); err != nil {
		return 0, fmt.Errorf("count due jobs: %w", err)
	}
	return n, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var progressJSON, payloadJSON []byte
	var outputJSON []byte
	var errText pgtype.Text
	var nextAttempt, completedAt pgtype.Timestamptz

	if err := row.Scan(&job.ID, &job.UserID, &job.Type, &job.Status, &progressJSON, &payloadJSON,
		&outputJSON, &errText, &job.AttemptCount, &nextAttempt, &job.CreatedAt, &completedAt); err != nil {
		return models.Job{}, err
	}

	if err := json.Unmarshal(progressJSON, &job.Progress); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal progress: %w", err)
	}
	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if len(outputJSON) > 0 {
		if err := json.Unmarshal(outputJSON, &job.Output); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal output: %w", err)
		}
	}
	job.Error = textPtr(errText)
	job.NextAttemptAt = timePtr(nextAttempt)
	job.CompletedAt = timePtr(completedAt)
	return job, nil
}
