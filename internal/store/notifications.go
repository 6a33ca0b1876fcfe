package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pcl-labs/mediaflow/internal/models"
)

// CreateNotification inserts a user-facing notification row.
func (s *Store) CreateNotification(ctx context.Context, userID, level, text string, contextData map[string]any, eventID *string) (models.Notification, error) {
	var ctxJSON []byte
	if contextData != nil {
		var err error
		ctxJSON, err = json.Marshal(contextData)
		if err != nil {
			return models.Notification{}, fmt.Errorf("marshal notification context: %w", err)
		}
	}
	n := models.Notification{UserID: userID, Level: level, Text: text, Context: contextData, EventID: eventID}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO notifications (user_id, level, text, context, event_id, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id, created_at
	`, userID, level, text, ctxJSON, eventID)
	if err := row.Scan(&n.ID, &n.CreatedAt); err != nil {
		return models.Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	return n, nil
}

// ListNotificationsAfter returns undismissed notifications with id > afterID,
// oldest first.
func (s *Store) ListNotificationsAfter(ctx context.Context, userID string, afterID int64, limit int) ([]models.Notification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT n.id, n.user_id, n.level, n.text, n.context, n.event_id, n.created_at
		FROM notifications n
		LEFT JOIN notification_deliveries d
		  ON d.notification_id = n.id AND d.user_id = n.user_id
		WHERE n.user_id = $1 AND n.id > $2 AND d.dismissed_at IS NULL
		ORDER BY n.id ASC
		LIMIT $3
	`, userID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		var n models.Notification
		var ctxJSON []byte
		if err := rows.Scan(&n.ID, &n.UserID, &n.Level, &n.Text, &ctxJSON, &n.EventID, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if err := unmarshalMaybe(ctxJSON, &n.Context); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNotificationSeen upserts the delivery row for (notification, user).
func (s *Store) MarkNotificationSeen(ctx context.Context, notificationID int64, userID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notification_deliveries (notification_id, user_id, seen_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (notification_id, user_id) DO UPDATE SET seen_at = COALESCE(notification_deliveries.seen_at, NOW())
	`, notificationID, userID)
	return err
}

// DismissNotification marks a notification dismissed for the user.
func (s *Store) DismissNotification(ctx context.Context, notificationID int64, userID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notification_deliveries (notification_id, user_id, seen_at, dismissed_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (notification_id, user_id) DO UPDATE SET dismissed_at = NOW()
	`, notificationID, userID)
	return err
}

// SessionCursor loads the persisted notification cursor for a session, so a
// reconnecting client resumes where it left off instead of replaying the
// whole backlog.
func (s *Store) SessionCursor(ctx context.Context, sessionID, userID string) (int64, error) {
	var cursor int64
	err := s.pool.QueryRow(ctx, `
		SELECT last_notification_id FROM stream_sessions
		WHERE session_id = $1 AND user_id = $2
	`, sessionID, userID).Scan(&cursor)
	if errors.Is(err, pgx.ErrNoRows) {
		// Fresh session starts at zero.
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query session cursor: %w", err)
	}
	return cursor, nil
}

// SaveSessionCursor advances the persisted cursor. GREATEST keeps it
// monotonic under concurrent saves; it never rewinds.
func (s *Store) SaveSessionCursor(ctx context.Context, sessionID, userID string, cursor int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stream_sessions (session_id, user_id, last_notification_id, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (session_id, user_id)
		DO UPDATE SET last_notification_id = GREATEST(stream_sessions.last_notification_id, EXCLUDED.last_notification_id), updated_at = NOW()
	`, sessionID, userID, cursor)
	return err
}
