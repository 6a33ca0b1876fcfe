package stream

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/pcl-labs/mediaflow/internal/models"
	"github.com/pcl-labs/mediaflow/internal/telemetry"
)

// NotificationSource is the persistence slice behind the notification relay.
// The cursor is persisted per session so a reconnecting client resumes where
// it left off.
type NotificationSource interface {
	ListNotificationsAfter(ctx context.Context, userID string, afterID int64, limit int) ([]models.Notification, error)
	SessionCursor(ctx context.Context, sessionID, userID string) (int64, error)
	SaveSessionCursor(ctx context.Context, sessionID, userID string, cursor int64) error
}

// NotificationRelay streams user notifications with the same poll/heartbeat/
// cursor pattern as the event relay.
type NotificationRelay struct {
	source            NotificationSource
	registry          *Registry
	pollInterval      time.Duration
	heartbeatInterval time.Duration
}

// NewNotificationRelay builds the relay.
func NewNotificationRelay(source NotificationSource, registry *Registry, pollInterval, heartbeatInterval time.Duration) *NotificationRelay {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = 15 * time.Second
	}
	return &NotificationRelay{
		source:            source,
		registry:          registry,
		pollInterval:      pollInterval,
		heartbeatInterval: heartbeatInterval,
	}
}

// ServeNotifications runs one subscriber connection for a session.
func (r *NotificationRelay) ServeNotifications(w http.ResponseWriter, req *http.Request, userID, sessionID string) {
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

	cursor, err := r.source.SessionCursor(ctx, sessionID, userID)
	if err != nil {
		writeFrame(w, flusher, "error", map[string]any{"message": "notification stream failed"})
		return
	}

	lastSend := time.Now()
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		notes, err := r.source.ListNotificationsAfter(ctx, userID, cursor, fetchBatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			writeFrame(w, flusher, "error", map[string]any{"message": "notification stream failed"})
			return
		}

		for _, n := range notes {
			if err := writeFrame(w, flusher, "notification", n); err != nil {
				return
			}
			if n.ID > cursor {
				cursor = n.ID
			}
			lastSend = time.Now()
		}
		if len(notes) > 0 {
			// Persisting after the batch keeps delivery at-least-once: a crash
			// between send and save replays the tail rather than dropping it.
			if err := r.source.SaveSessionCursor(ctx, sessionID, userID, cursor); err != nil {
				log.Printf("save cursor for session %s: %v", sessionID, err)
			}
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
