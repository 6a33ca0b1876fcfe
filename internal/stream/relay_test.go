package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pcl-labs/mediaflow/internal/models"
)

type memEventSource struct {
	mu     sync.Mutex
	events []models.PipelineEvent
	err    error
}

func (s *memEventSource) ListEventsAfter(_ context.Context, userID string, jobID *string, since int64, limit int) ([]models.PipelineEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []models.PipelineEvent
	for _, ev := range s.events {
		if ev.UserID != userID || ev.Sequence <= since {
			continue
		}
		if jobID != nil && (ev.JobID == nil || *ev.JobID != *jobID) {
			continue
		}
		out = append(out, ev)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memEventSource) append(ev models.PipelineEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

type sseFrame struct {
	event string
	data  string
}

// readFrames parses SSE frames from the stream until it closes or n frames
// have arrived.
func readFrames(t *testing.T, r io.Reader, n int) []sseFrame {
	t.Helper()
	scanner := bufio.NewScanner(r)
	var frames []sseFrame
	var cur sseFrame
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if cur.event != "" {
				frames = append(frames, cur)
				cur = sseFrame{}
				if len(frames) == n {
					return frames
				}
			}
		}
	}
	return frames
}

func newTestRelay(source EventSource, registry *Registry) *Relay {
	return NewRelay(source, registry, 10*time.Millisecond, 50*time.Millisecond)
}

func TestRelayReplaysFromCursor(t *testing.T) {
	jobID := "j1"
	source := &memEventSource{}
	for seq := int64(1); seq <= 5; seq++ {
		source.append(models.PipelineEvent{Sequence: seq, UserID: "u1", JobID: &jobID, Type: models.EventJobProgress})
	}
	registry := NewRegistry()
	relay := newTestRelay(source, registry)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		relay.ServeEvents(w, r, "u1", nil, 2)
	}))
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	frames := readFrames(t, resp.Body, 3)
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	for i, frame := range frames {
		if frame.event != "event" {
			t.Fatalf("frame %d type %q", i, frame.event)
		}
		var ev models.PipelineEvent
		if err := json.Unmarshal([]byte(frame.data), &ev); err != nil {
			t.Fatalf("frame %d data: %v", i, err)
		}
		if want := int64(3 + i); ev.Sequence != want {
			t.Fatalf("frame %d sequence %d, want %d", i, ev.Sequence, want)
		}
	}
}

func TestRelayHeartbeatWhenIdle(t *testing.T) {
	source := &memEventSource{}
	registry := NewRegistry()
	relay := NewRelay(source, registry, 5*time.Millisecond, 20*time.Millisecond)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		relay.ServeEvents(w, r, "u1", nil, 0)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	frames := readFrames(t, resp.Body, 1)
	if len(frames) != 1 || frames[0].event != "heartbeat" {
		t.Fatalf("expected a heartbeat frame, got %+v", frames)
	}
	var hb map[string]any
	if err := json.Unmarshal([]byte(frames[0].data), &hb); err != nil {
		t.Fatalf("heartbeat data: %v", err)
	}
	if hb["cursor"] != float64(0) {
		t.Fatalf("heartbeat cursor %v, want 0", hb["cursor"])
	}
}

func TestRelayReportsSourceFailure(t *testing.T) {
	source := &memEventSource{err: errors.New("db down")}
	registry := NewRegistry()
	relay := newTestRelay(source, registry)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		relay.ServeEvents(w, r, "u1", nil, 0)
	}))
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	frames := readFrames(t, resp.Body, 1)
	if len(frames) != 1 || frames[0].event != "error" {
		t.Fatalf("expected an error frame, got %+v", frames)
	}
}

func TestRelayStopsOnShutdown(t *testing.T) {
	source := &memEventSource{}
	registry := NewRegistry()
	relay := newTestRelay(source, registry)

	done := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		relay.ServeEvents(w, r, "u1", nil, 0)
		close(done)
	}))
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if !registry.Shutdown(time.Second) {
		t.Fatalf("stream did not exit within the grace period")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("handler did not return after shutdown")
	}
}

func TestRegistryRejectsAfterShutdown(t *testing.T) {
	registry := NewRegistry()
	registry.Shutdown(time.Millisecond)
	if _, _, ok := registry.Register(context.Background()); ok {
		t.Fatalf("registry must reject streams after shutdown")
	}
}
