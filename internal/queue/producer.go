package queue

import (
	"context"
	"log"
	"time"

	"github.com/pcl-labs/mediaflow/internal/models"
	"github.com/pcl-labs/mediaflow/internal/telemetry"
)

// DeadLetterSink records messages that could not be sent.
type DeadLetterSink interface {
	InsertDeadLetter(ctx context.Context, entry models.DeadLetterEntry) error
}

// EnqueueResult reports the outcome of a send attempt with enough detail for
// the caller to decide between "job stays pending, the poll loop will pick it
// up eventually" and "this request must fail now".
type EnqueueResult struct {
	Enqueued bool
	HardFail bool
	Err      error
}

// Producer validates and serializes job messages, dispatches them to the
// transport, and routes permanently failed sends to the dead-letter sink.
type Producer struct {
	transport Transport
	dlq       DeadLetterSink

	// requireDelivery marks send failures as hard failures. Set when the
	// deployment has no background poll loop to fall back on.
	requireDelivery bool
}

// NewProducer wires a producer to its transport and dead-letter sink.
func NewProducer(transport Transport, dlq DeadLetterSink, requireDelivery bool) *Producer {
	return &Producer{transport: transport, dlq: dlq, requireDelivery: requireDelivery}
}

// Enqueue sends one message. Send failures are never swallowed: the result
// carries the error and whether the caller should fail the request.
func (p *Producer) Enqueue(ctx context.Context, msg Message) EnqueueResult {
	if err := msg.Validate(); err != nil {
		// Malformed messages are rejected outright, never enqueued.
		return EnqueueResult{Enqueued: false, HardFail: true, Err: err}
	}

	if err := p.transport.Send(ctx, msg); err != nil {
		p.deadLetter(ctx, msg, err)
		telemetry.EnqueueFailures.Inc()
		return EnqueueResult{Enqueued: false, HardFail: p.requireDelivery, Err: err}
	}

	telemetry.EnqueueCounter.Inc()
	return EnqueueResult{Enqueued: true}
}

// deadLetter is best-effort: a DLQ write failure is logged, not propagated,
// to avoid masking the original send failure.
func (p *Producer) deadLetter(ctx context.Context, msg Message, cause error) {
	if p.dlq == nil {
		return
	}
	entry := models.DeadLetterEntry{
		JobID:           msg.JobID,
		Error:           cause.Error(),
		OriginalMessage: msg.AsMap(),
		FailedAt:        time.Now().UTC(),
	}
	if err := p.dlq.InsertDeadLetter(ctx, entry); err != nil {
		log.Printf("dead-letter write for job %s failed: %v", msg.JobID, err)
	}
}
