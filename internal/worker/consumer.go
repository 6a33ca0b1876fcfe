package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/pcl-labs/mediaflow/internal/backoff"
	"github.com/pcl-labs/mediaflow/internal/config"
	"github.com/pcl-labs/mediaflow/internal/models"
	"github.com/pcl-labs/mediaflow/internal/queue"
	"github.com/pcl-labs/mediaflow/internal/store"
	"github.com/pcl-labs/mediaflow/internal/telemetry"
)

// JobStore is the slice of the persistence layer the consumer drives.
type JobStore interface {
	ClaimDueJob(ctx context.Context) (models.Job, error)
	MarkProcessing(ctx context.Context, id string) (models.Job, error)
	MarkCompleted(ctx context.Context, id string, output map[string]any) error
	MarkFailed(ctx context.Context, id string, errMsg string) error
	ScheduleRetry(ctx context.Context, id string, attempts int, nextAttempt time.Time, errMsg string) error
	UpdateProgress(ctx context.Context, id string, progress models.Progress) error
	InsertDeadLetter(ctx context.Context, entry models.DeadLetterEntry) error
	DueJobCount(ctx context.Context) (int64, error)
}

// EventRecorder appends rows to the pipeline ledger.
type EventRecorder interface {
	RecordEvent(ctx context.Context, p store.RecordEventParams) (models.PipelineEvent, error)
}

// ProgressFunc lets a running task publish structured progress.
type ProgressFunc func(ctx context.Context, p models.Progress)

// Handler executes one job and returns its output. Wrap errors with Terminal
// to skip the retry path.
type Handler func(ctx context.Context, job models.Job, report ProgressFunc) (map[string]any, error)

// Consumer drives the worker execution loop: pick up an eligible job, run its
// task, and walk the job through the state machine. Delivery is at-least-once,
// so every transition is guarded against re-processing.
type Consumer struct {
	cfg      config.Config
	jobs     JobStore
	events   EventRecorder
	receiver queue.Receiver
	handlers map[string]Handler
}

// NewConsumer builds a consumer. receiver is nil in inline mode, where pickup
// polls the job table directly.
func NewConsumer(cfg config.Config, jobs JobStore, events EventRecorder, receiver queue.Receiver) *Consumer {
	return &Consumer{
		cfg:      cfg,
		jobs:     jobs,
		events:   events,
		receiver: receiver,
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler binds a handler to a job type.
func (c *Consumer) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	c.handlers[jobType] = handler
}

// Run loops until context cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if depth, err := c.jobs.DueJobCount(ctx); err == nil {
			telemetry.DueJobsGauge.Set(float64(depth))
		}

		job, ok, err := c.next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("job pickup: %v", err)
			_ = backoff.Sleep(ctx, c.cfg.WorkerPollInterval)
			continue
		}
		if !ok {
			_ = backoff.Sleep(ctx, c.cfg.WorkerPollInterval)
			continue
		}

		c.process(ctx, job)
	}
}

// next picks up one eligible job. Broker-fed modes pull a message and then
// claim the referenced row; inline mode claims straight from the job table.
// Either way the claim is the pending->processing transition, so a message
// redelivered for an already-running or finished job is dropped here.
//
// An empty broker poll falls through to the table claim: a job parked for
// retry has no live broker message (its delivery was already consumed), so
// the poll is the only path that picks it up once next_attempt_at passes.
func (c *Consumer) next(ctx context.Context) (models.Job, bool, error) {
	if c.receiver == nil {
		return c.claimDue(ctx)
	}

	msg, ok, err := c.receiver.Receive(ctx)
	if err != nil {
		return models.Job{}, false, err
	}
	if !ok {
		return c.claimDue(ctx)
	}
	job, err := c.jobs.MarkProcessing(ctx, msg.JobID)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrJobTerminal) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

func (c *Consumer) claimDue(ctx context.Context) (models.Job, bool, error) {
	job, err := c.jobs.ClaimDueJob(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

func (c *Consumer) process(ctx context.Context, job models.Job) {
	c.recordEvent(ctx, job, models.EventJobStarted, "running", "", fmt.Sprintf("attempt %d", job.AttemptCount+1), "")

	output, err := c.runTask(ctx, job)
	if err == nil {
		if err := c.jobs.MarkCompleted(ctx, job.ID, output); err != nil {
			log.Printf("mark job %s completed: %v", job.ID, err)
			return
		}
		c.recordEvent(ctx, job, models.EventJobCompleted, "done", models.StatusCompleted, "job finished", models.NotifyInfo)
		telemetry.JobsCompleted.Inc()
		return
	}

	if IsTerminal(err) {
		c.fail(ctx, job, err)
		return
	}

	attempts := job.AttemptCount + 1
	if attempts >= c.cfg.MaxAttempts {
		c.fail(ctx, job, fmt.Errorf("retries exhausted after %d attempts: %w", attempts, err))
		return
	}

	delay := backoff.Delay(c.cfg.BackoffBase, c.cfg.BackoffCap, job.AttemptCount)
	nextAttempt := time.Now().UTC().Add(delay)
	if err := c.jobs.ScheduleRetry(ctx, job.ID, attempts, nextAttempt, err.Error()); err != nil {
		// ErrJobTerminal means the job was cancelled while the task ran; the
		// cancelled state stands and the retry is dropped.
		if !errors.Is(err, store.ErrJobTerminal) {
			log.Printf("schedule retry for job %s: %v", job.ID, err)
		}
		return
	}
	c.recordEvent(ctx, job, models.EventJobRetried, "retry", models.StatusPending,
		fmt.Sprintf("transient failure, attempt %d of %d, next run %s", attempts, c.cfg.MaxAttempts, nextAttempt.Format(time.RFC3339)), "")
	telemetry.JobsRetried.Inc()
}

func (c *Consumer) fail(ctx context.Context, job models.Job, cause error) {
	if err := c.jobs.MarkFailed(ctx, job.ID, cause.Error()); err != nil {
		log.Printf("mark job %s failed: %v", job.ID, err)
		return
	}
	// Best-effort audit trail; never read back into the pipeline.
	entry := models.DeadLetterEntry{
		JobID:           job.ID,
		Error:           cause.Error(),
		OriginalMessage: map[string]any{"job_id": job.ID, "user_id": job.UserID, "job_type": job.Type},
		FailedAt:        time.Now().UTC(),
	}
	if err := c.jobs.InsertDeadLetter(ctx, entry); err != nil {
		log.Printf("dead-letter write for job %s failed: %v", job.ID, err)
	}
	c.recordEvent(ctx, job, models.EventJobFailed, "failed", models.StatusFailed, cause.Error(), models.NotifyError)
	telemetry.JobsFailed.Inc()
}

func (c *Consumer) runTask(ctx context.Context, job models.Job) (map[string]any, error) {
	handler, ok := c.handlers[job.Type]
	if !ok {
		return nil, Terminal(fmt.Errorf("no handler registered for job type %q", job.Type))
	}
	report := func(ctx context.Context, p models.Progress) {
		if err := c.jobs.UpdateProgress(ctx, job.ID, p); err != nil {
			log.Printf("update progress for job %s: %v", job.ID, err)
		}
		c.recordEvent(ctx, job, models.EventJobProgress, p.Stage, models.StatusProcessing, "", "")
	}
	return handler(ctx, job, report)
}

func (c *Consumer) recordEvent(ctx context.Context, job models.Job, eventType, stage, status, message, notifyLevel string) {
	jobID := job.ID
	_, err := c.events.RecordEvent(ctx, store.RecordEventParams{
		UserID:      job.UserID,
		JobID:       &jobID,
		Type:        eventType,
		Stage:       stage,
		Status:      status,
		Message:     message,
		NotifyLevel: notifyLevel,
	})
	if err != nil {
		log.Printf("record event %s for job %s: %v", eventType, job.ID, err)
	}
}
