// Package notify is the notification bridge: it persists notification rows,
// pushes them over the realtime channel, and hands them to Web Push when the
// recipient has subscriptions. Callers treat it as fire-and-forget.
package notify

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/commune-app/commune/internal/models"
)

// Emitter pushes an event to all of a user's realtime connections.
type Emitter interface {
	EmitToUser(userID int, event string, data any)
}

type Service struct {
	db      *sql.DB
	emitter Emitter
	push    *WebPush // nil when VAPID keys are not configured
}

func New(db *sql.DB, emitter Emitter, push *WebPush) *Service {
	return &Service{db: db, emitter: emitter, push: push}
}

// CreateNotification stores a notification and pushes it to the recipient:
// a `notification` event to their personal room plus a Web Push message for
// offline devices.
func (s *Service) CreateNotification(userID, actorID int, kind, targetType string, targetID int, message string) (*models.Notification, error) {
	result, err := s.db.Exec(`
		INSERT INTO notifications (user_id, actor_id, type, target_type, target_id, message)
		VALUES (?, ?, ?, ?, ?, ?)
	`, userID, actorID, kind, targetType, targetID, message)
	if err != nil {
		return nil, fmt.Errorf("failed to create notification: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get notification id: %w", err)
	}

	n := &models.Notification{
		ID:         int(id),
		UserID:     userID,
		ActorID:    actorID,
		Type:       kind,
		TargetType: targetType,
		TargetID:   targetID,
		Message:    message,
	}
	if err := s.db.QueryRow(
		"SELECT created_at FROM notifications WHERE id = ?", id,
	).Scan(&n.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to read notification timestamp: %w", err)
	}

	if s.emitter != nil {
		s.emitter.EmitToUser(userID, "notification", n)
	}
	if s.push != nil {
		actor := s.actorName(actorID)
		go s.push.Send(userID, "New activity", actor+" "+message)
	}

	return n, nil
}

func (s *Service) actorName(actorID int) string {
	var username string
	var displayName sql.NullString
	err := s.db.QueryRow(
		"SELECT username, display_name FROM users WHERE id = ?", actorID,
	).Scan(&username, &displayName)
	if err != nil {
		return "Someone"
	}
	if displayName.Valid && displayName.String != "" {
		return displayName.String
	}
	return username
}

// List returns one page of the user's notifications, newest first, along with
// their total unread count.
func (s *Service) List(userID, page, pageSize int) ([]models.Notification, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	if page <= 0 {
		page = 1
	}

	rows, err := s.db.Query(`
		SELECT id, user_id, actor_id, type, target_type, target_id, message, is_read, read_at, created_at
		FROM notifications
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, userID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch notifications: %w", err)
	}
	defer rows.Close()

	notifications := []models.Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, 0, err
		}
		notifications = append(notifications, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	unread, err := s.UnreadCount(userID)
	if err != nil {
		return nil, 0, err
	}
	return notifications, unread, nil
}

// UnreadCount returns how many of the user's notifications are unread.
func (s *Service) UnreadCount(userID int) (int, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM notifications WHERE user_id = ? AND is_read = 0", userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return count, nil
}

// MarkRead marks the given notifications read, scoped to the owner, and
// returns the updated rows.
func (s *Service) MarkRead(userID int, notificationIDs []int) ([]models.Notification, error) {
	if len(notificationIDs) == 0 {
		return []models.Notification{}, nil
	}

	placeholders, args := idArgs(notificationIDs)
	args = append(args, userID)

	if _, err := s.db.Exec(`
		UPDATE notifications
		SET is_read = 1, read_at = CURRENT_TIMESTAMP
		WHERE id IN (`+placeholders+`) AND user_id = ?
	`, args...); err != nil {
		return nil, fmt.Errorf("failed to mark notifications read: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT id, user_id, actor_id, type, target_type, target_id, message, is_read, read_at, created_at
		FROM notifications
		WHERE id IN (`+placeholders+`) AND user_id = ?
		ORDER BY id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch notifications: %w", err)
	}
	defer rows.Close()

	marked := []models.Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		marked = append(marked, *n)
	}
	return marked, rows.Err()
}

// Delete removes the given notifications, scoped to the owner.
func (s *Service) Delete(userID int, notificationIDs []int) error {
	if len(notificationIDs) == 0 {
		return nil
	}

	placeholders, args := idArgs(notificationIDs)
	args = append(args, userID)

	if _, err := s.db.Exec(
		"DELETE FROM notifications WHERE id IN ("+placeholders+") AND user_id = ?", args...,
	); err != nil {
		return fmt.Errorf("failed to delete notifications: %w", err)
	}
	return nil
}

// Preferences returns the user's notification preferences JSON blob.
func (s *Service) Preferences(userID int) (json.RawMessage, error) {
	var prefs string
	err := s.db.QueryRow(
		"SELECT notification_preferences FROM users WHERE id = ?", userID,
	).Scan(&prefs)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch preferences: %w", err)
	}
	return json.RawMessage(prefs), nil
}

// UpdatePreferences replaces the user's notification preferences.
func (s *Service) UpdatePreferences(userID int, prefs json.RawMessage) (json.RawMessage, error) {
	if !json.Valid(prefs) {
		return nil, fmt.Errorf("invalid preferences payload")
	}
	if _, err := s.db.Exec(
		"UPDATE users SET notification_preferences = ? WHERE id = ?", string(prefs), userID,
	); err != nil {
		return nil, fmt.Errorf("failed to update preferences: %w", err)
	}
	return s.Preferences(userID)
}

// Subscribe stores a Web Push subscription for the user, reviving it if the
// endpoint was previously revoked.
func (s *Service) Subscribe(userID int, endpoint, p256dh, auth string) error {
	if endpoint == "" || p256dh == "" || auth == "" {
		return fmt.Errorf("invalid subscription")
	}
	if _, err := s.db.Exec(`
		INSERT INTO push_subscriptions (user_id, endpoint, p256dh, auth)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET user_id = excluded.user_id,
			p256dh = excluded.p256dh, auth = excluded.auth, revoked_at = NULL
	`, userID, endpoint, p256dh, auth); err != nil {
		return fmt.Errorf("failed to store subscription: %w", err)
	}
	return nil
}

// Unsubscribe revokes the user's subscription for the endpoint.
func (s *Service) Unsubscribe(userID int, endpoint string) error {
	if _, err := s.db.Exec(`
		UPDATE push_subscriptions SET revoked_at = CURRENT_TIMESTAMP
		WHERE user_id = ? AND endpoint = ?
	`, userID, endpoint); err != nil {
		return fmt.Errorf("failed to revoke subscription: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (*models.Notification, error) {
	n := &models.Notification{}
	var readAt sql.NullTime
	if err := row.Scan(&n.ID, &n.UserID, &n.ActorID, &n.Type, &n.TargetType, &n.TargetID,
		&n.Message, &n.IsRead, &readAt, &n.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan notification: %w", err)
	}
	if readAt.Valid {
		n.ReadAt = &readAt.Time
	}
	return n, nil
}

func idArgs(ids []int) (string, []any) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	for _, id := range ids {
		args = append(args, id)
	}
	return placeholders, args
}
