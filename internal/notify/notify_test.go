package notify

import (
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/commune-app/commune/internal/db"
)

type fakeEmitter struct {
	events []emittedEvent
}

type emittedEvent struct {
	userID int
	event  string
}

func (f *fakeEmitter) EmitToUser(userID int, event string, data any) {
	f.events = append(f.events, emittedEvent{userID: userID, event: event})
}

func setupNotify(t *testing.T) (*Service, *fakeEmitter, *sql.DB) {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "notify_test.db"))
	if err != nil {
		t.Fatalf("Failed to open test db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	conn := database.GetConn()
	for _, q := range []string{
		"INSERT INTO users (id, username, password_hash, display_name) VALUES (1, 'alice', 'hash', 'Alice')",
		"INSERT INTO users (id, username, password_hash) VALUES (2, 'bob', 'hash')",
	} {
		if _, err := conn.Exec(q); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}

	emitter := &fakeEmitter{}
	return New(conn, emitter, nil), emitter, conn
}

func TestCreateNotificationEmitsRealtimeEvent(t *testing.T) {
	svc, emitter, _ := setupNotify(t)

	n, err := svc.CreateNotification(2, 1, "message", "conversation", 7, "sent you a message")
	if err != nil {
		t.Fatalf("CreateNotification failed: %v", err)
	}
	if n.ID == 0 {
		t.Fatal("notification was not persisted")
	}
	if n.IsRead {
		t.Fatal("fresh notification is marked read")
	}

	if len(emitter.events) != 1 {
		t.Fatalf("emitted %d events, want 1", len(emitter.events))
	}
	if emitter.events[0].userID != 2 || emitter.events[0].event != "notification" {
		t.Fatalf("emitted %+v, want notification for user 2", emitter.events[0])
	}
}

func TestListAndUnreadCount(t *testing.T) {
	svc, _, _ := setupNotify(t)

	for i := 0; i < 3; i++ {
		if _, err := svc.CreateNotification(2, 1, "message", "conversation", 7, "sent you a message"); err != nil {
			t.Fatalf("CreateNotification failed: %v", err)
		}
	}

	notifications, unread, err := svc.List(2, 1, 20)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(notifications) != 3 || unread != 3 {
		t.Fatalf("got %d notifications, %d unread, want 3 and 3", len(notifications), unread)
	}

	// Notifications are scoped to their owner
	notifications, unread, err = svc.List(1, 1, 20)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(notifications) != 0 || unread != 0 {
		t.Fatalf("user 1 sees %d notifications, %d unread, want none", len(notifications), unread)
	}
}

func TestMarkReadScopedToOwner(t *testing.T) {
	svc, _, _ := setupNotify(t)

	n1, _ := svc.CreateNotification(2, 1, "message", "conversation", 7, "sent you a message")
	n2, _ := svc.CreateNotification(2, 1, "friend_request", "user", 1, "sent you a friend request")

	// Another user cannot mark them
	marked, err := svc.MarkRead(1, []int{n1.ID, n2.ID})
	if err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if len(marked) != 0 {
		t.Fatalf("foreign MarkRead returned %d rows, want 0", len(marked))
	}
	if count, _ := svc.UnreadCount(2); count != 2 {
		t.Fatalf("unread = %d, want 2", count)
	}

	marked, err = svc.MarkRead(2, []int{n1.ID})
	if err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if len(marked) != 1 || !marked[0].IsRead || marked[0].ReadAt == nil {
		t.Fatalf("marked = %+v, want one read row with read_at", marked)
	}
	if count, _ := svc.UnreadCount(2); count != 1 {
		t.Fatalf("unread = %d, want 1", count)
	}

	if err := svc.Delete(2, []int{n1.ID, n2.ID}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	notifications, _, err := svc.List(2, 1, 20)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(notifications) != 0 {
		t.Fatalf("notifications after delete = %d, want 0", len(notifications))
	}
}

func TestPreferences(t *testing.T) {
	svc, _, _ := setupNotify(t)

	prefs, err := svc.Preferences(1)
	if err != nil {
		t.Fatalf("Preferences failed: %v", err)
	}
	if string(prefs) != "{}" {
		t.Fatalf("default preferences = %s, want {}", prefs)
	}

	updated, err := svc.UpdatePreferences(1, json.RawMessage(`{"messages":false}`))
	if err != nil {
		t.Fatalf("UpdatePreferences failed: %v", err)
	}
	if string(updated) != `{"messages":false}` {
		t.Fatalf("updated preferences = %s", updated)
	}

	if _, err := svc.UpdatePreferences(1, json.RawMessage(`{not json`)); err == nil {
		t.Fatal("UpdatePreferences accepted invalid JSON")
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	svc, _, conn := setupNotify(t)

	if err := svc.Subscribe(1, "", "p", "a"); err == nil {
		t.Fatal("Subscribe accepted an empty endpoint")
	}

	if err := svc.Subscribe(1, "https://push.example/ep1", "p256", "auth"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := svc.Unsubscribe(1, "https://push.example/ep1"); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	var revoked sql.NullTime
	if err := conn.QueryRow(
		"SELECT revoked_at FROM push_subscriptions WHERE endpoint = 'https://push.example/ep1'",
	).Scan(&revoked); err != nil {
		t.Fatalf("Failed to read subscription: %v", err)
	}
	if !revoked.Valid {
		t.Fatal("Unsubscribe did not set revoked_at")
	}

	// Re-subscribing the same endpoint revives it
	if err := svc.Subscribe(1, "https://push.example/ep1", "p256-new", "auth-new"); err != nil {
		t.Fatalf("Re-subscribe failed: %v", err)
	}
	if err := conn.QueryRow(
		"SELECT revoked_at FROM push_subscriptions WHERE endpoint = 'https://push.example/ep1'",
	).Scan(&revoked); err != nil {
		t.Fatalf("Failed to read subscription: %v", err)
	}
	if revoked.Valid {
		t.Fatal("Re-subscribe did not clear revoked_at")
	}

	var count int
	conn.QueryRow("SELECT COUNT(*) FROM push_subscriptions").Scan(&count)
	if count != 1 {
		t.Fatalf("subscriptions = %d, want 1 (endpoint is unique)", count)
	}
}
