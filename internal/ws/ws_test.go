package ws

import (
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/commune-app/commune/internal/db"
	"github.com/commune-app/commune/internal/models"
	"github.com/commune-app/commune/internal/store"
)

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "ws_test.db"))
	if err != nil {
		t.Fatalf("Failed to open test db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	conn := database.GetConn()
	conn.Exec("INSERT INTO users (id, username, password_hash) VALUES (1, 'user1', 'hash1')")
	conn.Exec("INSERT INTO users (id, username, password_hash) VALUES (2, 'user2', 'hash2')")

	return database
}

func newTestClient(userID int) *Client {
	return &Client{
		userID: userID,
		send:   make(chan Event, 16),
		rooms:  make(map[string]struct{}),
	}
}

// recvEvent drains one event without blocking.
func recvEvent(t *testing.T, c *Client) (Event, bool) {
	t.Helper()
	select {
	case ev := <-c.send:
		return ev, true
	default:
		return Event{}, false
	}
}

type fakeSender struct {
	lastConversationID int
	lastContent        string
	err                error
}

func (f *fakeSender) SendMessage(conversationID, senderID int, content, mediaURL, kind string) (*models.Message, error) {
	f.lastConversationID = conversationID
	f.lastContent = content
	if f.err != nil {
		return nil, f.err
	}
	return &models.Message{ID: 1, ConversationID: conversationID, SenderID: senderID}, nil
}

type fakeConversations struct {
	participant bool
	markedConv  int
	markedUser  int
}

func (f *fakeConversations) IsParticipant(conversationID, userID int) (bool, error) {
	return f.participant, nil
}

func (f *fakeConversations) MarkRead(conversationID, userID int, at time.Time) error {
	f.markedConv = conversationID
	f.markedUser = userID
	return nil
}

type fakeNotifications struct {
	markedIDs []int
}

func (f *fakeNotifications) MarkRead(userID int, notificationIDs []int) ([]models.Notification, error) {
	f.markedIDs = notificationIDs
	return []models.Notification{}, nil
}

func TestRegistryOnlineTracking(t *testing.T) {
	registry := NewRegistry()

	c1 := newTestClient(1)
	c2 := newTestClient(1)
	registry.add(c1)
	registry.add(c2)

	if !registry.IsUserOnline(1) {
		t.Fatal("User 1 should be online after connecting")
	}

	// Two connections for the same user count as one online user
	ids := registry.OnlineUserIDs()
	if len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("OnlineUserIDs = %v, want [1]", ids)
	}

	registry.remove(c1)
	if !registry.IsUserOnline(1) {
		t.Fatal("User 1 should stay online while a second connection remains")
	}

	registry.remove(c2)
	if registry.IsUserOnline(1) {
		t.Fatal("User 1 should be offline after last disconnect")
	}
}

func TestRegistryActiveViewing(t *testing.T) {
	registry := NewRegistry()

	c := newTestClient(1)
	registry.add(c)

	if registry.IsActivelyViewing(1, 5) {
		t.Fatal("User should not be viewing conversation 5 before joining")
	}

	registry.JoinRoom(c, ConversationRoom(5))
	if !registry.IsActivelyViewing(1, 5) {
		t.Fatal("User should be viewing conversation 5 after joining its room")
	}
	if registry.IsActivelyViewing(1, 6) {
		t.Fatal("Joining conversation 5 must not imply viewing conversation 6")
	}

	registry.remove(c)
	if registry.IsActivelyViewing(1, 5) {
		t.Fatal("Disconnect should clear room membership")
	}
}

func TestEmitToUserReachesAllConnections(t *testing.T) {
	registry := NewRegistry()

	c1 := newTestClient(1)
	c2 := newTestClient(1)
	other := newTestClient(2)
	registry.add(c1)
	registry.add(c2)
	registry.add(other)

	registry.EmitToUser(1, "new_message", gin.H{"id": 42})

	for i, c := range []*Client{c1, c2} {
		ev, ok := recvEvent(t, c)
		if !ok {
			t.Fatalf("connection %d did not receive the event", i+1)
		}
		if ev.Type != "new_message" {
			t.Fatalf("connection %d got event type %q, want new_message", i+1, ev.Type)
		}
	}

	if _, ok := recvEvent(t, other); ok {
		t.Fatal("user 2 received an event meant for user 1")
	}
}

func TestEmitDropsWhenBufferFull(t *testing.T) {
	registry := NewRegistry()

	c := &Client{userID: 1, send: make(chan Event, 1), rooms: make(map[string]struct{})}
	registry.add(c)

	registry.EmitToUser(1, "first", nil)
	registry.EmitToUser(1, "second", nil)

	ev, ok := recvEvent(t, c)
	if !ok || ev.Type != "first" {
		t.Fatalf("expected first event, got %v ok=%v", ev, ok)
	}
	if _, ok := recvEvent(t, c); ok {
		t.Fatal("second event should have been dropped, not queued")
	}
}

func TestHubRegisterUnregister(t *testing.T) {
	database := setupTestDB(t)

	registry := NewRegistry()
	hub := NewHub(database.GetConn(), registry, &fakeSender{}, &fakeConversations{}, &fakeNotifications{})
	go hub.Run()

	client := newTestClient(1)
	client.hub = hub

	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	if !registry.IsUserOnline(1) {
		t.Fatal("Client was not registered")
	}

	hub.unregister <- client
	time.Sleep(10 * time.Millisecond)

	if registry.IsUserOnline(1) {
		t.Fatal("Client was not unregistered")
	}

	// Registering touches last_active_at
	var lastActive any
	if err := database.GetConn().QueryRow(
		"SELECT last_active_at FROM users WHERE id = 1",
	).Scan(&lastActive); err != nil {
		t.Fatalf("failed to read last_active_at: %v", err)
	}
	if lastActive == nil {
		t.Fatal("last_active_at was not updated on connect")
	}
}

func TestHandleSendMessageUsesSharedIngress(t *testing.T) {
	database := setupTestDB(t)

	sender := &fakeSender{}
	registry := NewRegistry()
	hub := NewHub(database.GetConn(), registry, sender, &fakeConversations{}, &fakeNotifications{})

	client := newTestClient(1)
	client.hub = hub
	registry.add(client)

	payload, _ := json.Marshal(sendMessagePayload{ConversationID: 7, Content: "hello"})
	client.handleSendMessage(payload)

	if sender.lastConversationID != 7 || sender.lastContent != "hello" {
		t.Fatalf("sender called with (%d, %q), want (7, \"hello\")",
			sender.lastConversationID, sender.lastContent)
	}
	if ev, ok := recvEvent(t, client); ok {
		t.Fatalf("successful send should not emit directly, got %q", ev.Type)
	}
}

func TestHandleSendMessageErrors(t *testing.T) {
	database := setupTestDB(t)

	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"not participant", store.ErrNotParticipant, "Not authorized to send messages in this conversation"},
		{"empty message", store.ErrEmptyMessage, "Invalid message payload"},
		{"invalid conversation", store.ErrInvalidConversation, "Invalid message payload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry()
			hub := NewHub(database.GetConn(), registry, &fakeSender{err: tt.err}, &fakeConversations{}, &fakeNotifications{})

			client := newTestClient(1)
			client.hub = hub
			registry.add(client)

			payload, _ := json.Marshal(sendMessagePayload{ConversationID: 7, Content: "hello"})
			client.handleSendMessage(payload)

			ev, ok := recvEvent(t, client)
			if !ok || ev.Type != "error" {
				t.Fatalf("expected error event, got %v ok=%v", ev, ok)
			}
			data := ev.Data.(gin.H)
			if data["message"] != tt.wantMsg {
				t.Fatalf("error message = %q, want %q", data["message"], tt.wantMsg)
			}
		})
	}
}

func TestHandleJoinConversation(t *testing.T) {
	database := setupTestDB(t)

	conversations := &fakeConversations{participant: true}
	registry := NewRegistry()
	hub := NewHub(database.GetConn(), registry, &fakeSender{}, conversations, &fakeNotifications{})

	client := newTestClient(1)
	client.hub = hub
	registry.add(client)

	payload, _ := json.Marshal(joinConversationPayload{ConversationID: 3})
	client.handleJoinConversation(payload)

	if !registry.IsActivelyViewing(1, 3) {
		t.Fatal("client did not join the conversation room")
	}
	if conversations.markedConv != 3 || conversations.markedUser != 1 {
		t.Fatalf("MarkRead called with (%d, %d), want (3, 1)", conversations.markedConv, conversations.markedUser)
	}

	ev, ok := recvEvent(t, client)
	if !ok || ev.Type != "joined_conversation" {
		t.Fatalf("expected joined_conversation event, got %v ok=%v", ev, ok)
	}
}

func TestHandleJoinConversationDeniedForNonParticipant(t *testing.T) {
	database := setupTestDB(t)

	registry := NewRegistry()
	hub := NewHub(database.GetConn(), registry, &fakeSender{}, &fakeConversations{participant: false}, &fakeNotifications{})

	client := newTestClient(1)
	client.hub = hub
	registry.add(client)

	payload, _ := json.Marshal(joinConversationPayload{ConversationID: 3})
	client.handleJoinConversation(payload)

	if registry.IsActivelyViewing(1, 3) {
		t.Fatal("non-participant joined the conversation room")
	}

	ev, ok := recvEvent(t, client)
	if !ok || ev.Type != "error" {
		t.Fatalf("expected error event, got %v ok=%v", ev, ok)
	}
}

func TestTypingRelaySkipsSender(t *testing.T) {
	database := setupTestDB(t)

	registry := NewRegistry()
	hub := NewHub(database.GetConn(), registry, &fakeSender{}, &fakeConversations{participant: true}, &fakeNotifications{})

	typist := newTestClient(1)
	typist.hub = hub
	viewer := newTestClient(2)
	viewer.hub = hub
	registry.add(typist)
	registry.add(viewer)
	registry.JoinRoom(typist, ConversationRoom(3))
	registry.JoinRoom(viewer, ConversationRoom(3))

	payload, _ := json.Marshal(typingPayload{ConversationID: 3})
	typist.handleTyping(payload, true)

	ev, ok := recvEvent(t, viewer)
	if !ok || ev.Type != "typing_status" {
		t.Fatalf("viewer expected typing_status, got %v ok=%v", ev, ok)
	}
	status := ev.Data.(typingStatus)
	if status.UserID != 1 || status.ConversationID != 3 || !status.IsTyping {
		t.Fatalf("unexpected typing status: %+v", status)
	}

	if _, ok := recvEvent(t, typist); ok {
		t.Fatal("typist received their own typing indicator")
	}
}

func TestHandleReadNotifications(t *testing.T) {
	database := setupTestDB(t)

	notifications := &fakeNotifications{}
	registry := NewRegistry()
	hub := NewHub(database.GetConn(), registry, &fakeSender{}, &fakeConversations{}, notifications)

	client := newTestClient(1)
	client.hub = hub
	registry.add(client)

	payload, _ := json.Marshal(readNotificationsPayload{NotificationIDs: []int{4, 5}})
	client.handleReadNotifications(payload)

	if len(notifications.markedIDs) != 2 {
		t.Fatalf("MarkRead called with %v, want [4 5]", notifications.markedIDs)
	}

	ev, ok := recvEvent(t, client)
	if !ok || ev.Type != "notifications_marked_read" {
		t.Fatalf("expected notifications_marked_read event, got %v ok=%v", ev, ok)
	}
}

func TestWebSocketIntegration(t *testing.T) {
	gin.SetMode(gin.TestMode)

	database := setupTestDB(t)

	registry := NewRegistry()
	hub := NewHub(database.GetConn(), registry, &fakeSender{}, &fakeConversations{participant: true}, &fakeNotifications{})
	go hub.Run()

	router := gin.New()

	// Middleware that sets user_id directly for testing
	router.GET("/ws", func(c *gin.Context) {
		c.Set("user_id", 1)
		hub.HandleWebSocket(c)
	})

	server := httptest.NewServer(router)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)

	if !registry.IsUserOnline(1) {
		t.Fatal("WebSocket client was not registered")
	}

	// Join a conversation over the wire and wait for the acknowledgement
	join := map[string]any{
		"type": "join_conversation",
		"data": map[string]any{"conversation_id": 3},
	}
	if err := conn.WriteJSON(join); err != nil {
		t.Fatalf("Failed to send join event: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply struct {
		Type string `json:"type"`
		Data struct {
			ConversationID int `json:"conversation_id"`
		} `json:"data"`
	}
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("Failed to read reply: %v", err)
	}
	if reply.Type != "joined_conversation" || reply.Data.ConversationID != 3 {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	if !registry.IsActivelyViewing(1, 3) {
		t.Fatal("join_conversation did not record active viewing")
	}
}
