package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/pcl-labs/mediaflow/internal/models"
)

type fakeTransport struct {
	sendErr error
	sent    []Message
}

func (f *fakeTransport) Send(_ context.Context, msg Message) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Close() error { return nil }

type fakeDLQ struct {
	entries []models.DeadLetterEntry
	err     error
}

func (f *fakeDLQ) InsertDeadLetter(_ context.Context, entry models.DeadLetterEntry) error {
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, entry)
	return nil
}

func TestEnqueueSuccess(t *testing.T) {
	transport := &fakeTransport{}
	p := NewProducer(transport, &fakeDLQ{}, false)

	res := p.Enqueue(context.Background(), Message{JobID: "j1", UserID: "u1", JobType: "optimize_media"})
	if !res.Enqueued || res.Err != nil {
		t.Fatalf("expected success, got %+v", res)
	}
	if len(transport.sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(transport.sent))
	}
}

func TestEnqueueRejectsInvalidMessage(t *testing.T) {
	transport := &fakeTransport{}
	dlq := &fakeDLQ{}
	p := NewProducer(transport, dlq, false)

	res := p.Enqueue(context.Background(), Message{JobID: "j1"})
	if res.Enqueued || !res.HardFail || res.Err == nil {
		t.Fatalf("expected hard validation failure, got %+v", res)
	}
	if len(transport.sent) != 0 {
		t.Fatalf("invalid message must never reach the transport")
	}
	if len(dlq.entries) != 0 {
		t.Fatalf("invalid message must not be dead-lettered")
	}
}

func TestEnqueueSendFailureDeadLetters(t *testing.T) {
	transport := &fakeTransport{sendErr: errors.New("broker down")}
	dlq := &fakeDLQ{}
	p := NewProducer(transport, dlq, false)

	msg := Message{JobID: "j1", UserID: "u1", JobType: "optimize_media"}
	res := p.Enqueue(context.Background(), msg)
	if res.Enqueued {
		t.Fatalf("expected failed enqueue")
	}
	if res.HardFail {
		t.Fatalf("soft-delivery producer should not hard-fail")
	}
	if res.Err == nil {
		t.Fatalf("send error must be surfaced")
	}
	if len(dlq.entries) != 1 {
		t.Fatalf("expected 1 dead-letter entry, got %d", len(dlq.entries))
	}
	if dlq.entries[0].JobID != "j1" {
		t.Fatalf("dead letter carries wrong job id %q", dlq.entries[0].JobID)
	}
}

func TestEnqueueSendFailureHardWhenDeliveryRequired(t *testing.T) {
	transport := &fakeTransport{sendErr: errors.New("broker down")}
	p := NewProducer(transport, &fakeDLQ{}, true)

	res := p.Enqueue(context.Background(), Message{JobID: "j1", UserID: "u1", JobType: "optimize_media"})
	if !res.HardFail {
		t.Fatalf("require-delivery producer must hard-fail on send errors")
	}
}

func TestEnqueueDLQFailureDoesNotMaskSendError(t *testing.T) {
	sendErr := errors.New("broker down")
	transport := &fakeTransport{sendErr: sendErr}
	p := NewProducer(transport, &fakeDLQ{err: errors.New("db down")}, false)

	res := p.Enqueue(context.Background(), Message{JobID: "j1", UserID: "u1", JobType: "optimize_media"})
	if !errors.Is(res.Err, sendErr) {
		t.Fatalf("expected original send error, got %v", res.Err)
	}
}
