package queue

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/pcl-labs/mediaflow/internal/config"
)

func TestRedisTransportRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	cfg := config.Config{
		QueueMode: config.QueueModeRedis,
		QueueName: "test-jobs",
		RedisAddr: mr.Addr(),
	}
	transport := NewRedisTransport(cfg)
	defer transport.Close()

	ctx := context.Background()
	msg := Message{JobID: "j1", UserID: "u1", JobType: "optimize_media"}
	if err := transport.Send(ctx, msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	got, ok, err := transport.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !ok {
		t.Fatalf("expected a message")
	}
	if got != msg {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, msg)
	}
}

func TestRedisTransportPreservesOrder(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	transport := NewRedisTransport(config.Config{
		QueueMode: config.QueueModeRedis,
		QueueName: "test-jobs",
		RedisAddr: mr.Addr(),
	})
	defer transport.Close()

	ctx := context.Background()
	for _, id := range []string{"j1", "j2", "j3"} {
		if err := transport.Send(ctx, Message{JobID: id, UserID: "u1", JobType: "optimize_media"}); err != nil {
			t.Fatalf("send %s: %v", id, err)
		}
	}
	for _, want := range []string{"j1", "j2", "j3"} {
		got, ok, err := transport.Receive(ctx)
		if err != nil || !ok {
			t.Fatalf("receive: ok=%v err=%v", ok, err)
		}
		if got.JobID != want {
			t.Fatalf("out of order: got %s want %s", got.JobID, want)
		}
	}
}
