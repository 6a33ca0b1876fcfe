// Package stream replays the append-only pipeline ledger to long-lived
// subscribers over Server-Sent Events, with cursor-based resume and
// bounded-grace cancellation at shutdown.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pcl-labs/mediaflow/internal/models"
	"github.com/pcl-labs/mediaflow/internal/telemetry"
)

const fetchBatchSize = 100

// EventSource is the slice of the persistence layer the relay polls.
type EventSource interface {
	ListEventsAfter(ctx context.Context, userID string, jobID *string, since int64, limit int) ([]models.PipelineEvent, error)
}

// Relay streams pipeline events to subscribers.
type Relay struct {
	events            EventSource
	registry          *Registry
	pollInterval      time.Duration
	heartbeatInterval time.Duration
}

// NewRelay builds a relay over the given event source.
func NewRelay(events EventSource, registry *Registry, pollInterval, heartbeatInterval time.Duration) *Relay {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = 15 * time.Second
	}
	return &Relay{
		events:            events,
		registry:          registry,
		pollInterval:      pollInterval,
		heartbeatInterval: heartbeatInterval,
	}
}

// ServeEvents runs one subscriber connection until the client disconnects or
// the process shuts down. since is the subscriber's replay cursor: only
// events with a strictly greater sequence are delivered, in order, exactly
// once per connection.
func (r *Relay) ServeEvents(w http.ResponseWriter, req *http.Request, userID string, jobID *string, since int64) {
	flusher, ok := beginSSE(w)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, done, ok := r.registry.Register(req.Context())
	if !ok {
		writeFrame(w, flusher, "error", map[string]any{"message": "server shutting down"})
		return
	}
	defer done()

	telemetry.ActiveStreams.Inc()
	defer telemetry.ActiveStreams.Dec()

	cursor := since
	lastSend := time.Now()
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		events, err := r.events.ListEventsAfter(ctx, userID, jobID, cursor, fetchBatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Tell the client why the stream is ending instead of closing cold.
			writeFrame(w, flusher, "error", map[string]any{"message": "event stream failed"})
			return
		}

		for _, ev := range events {
			if err := writeFrame(w, flusher, "event", ev); err != nil {
				return
			}
			// Cursor only moves forward.
			if ev.Sequence > cursor {
				cursor = ev.Sequence
			}
			lastSend = time.Now()
		}

		if time.Since(lastSend) >= r.heartbeatInterval {
			if err := writeFrame(w, flusher, "heartbeat", map[string]any{"cursor": cursor}); err != nil {
				return
			}
			lastSend = time.Now()
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func beginSSE(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

// writeFrame emits one SSE frame: an event line, a data line, and the blank
// terminator, then flushes so the client sees it immediately.
func writeFrame(w http.ResponseWriter, flusher http.Flusher, frameType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frameType, raw); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
