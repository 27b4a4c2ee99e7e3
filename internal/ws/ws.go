// Package ws carries the realtime channel: the connection registry, the
// gorilla/websocket client pumps, and the handlers for events arriving over a
// persistent connection.
package ws

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/commune-app/commune/internal/models"
	"github.com/commune-app/commune/internal/store"
)

// MessageSender is the shared message ingress; the realtime path and the HTTP
// path call the same implementation.
type MessageSender interface {
	SendMessage(conversationID, senderID int, content, mediaURL, kind string) (*models.Message, error)
}

// ConversationAccess is the slice of the conversation store the realtime
// handlers need.
type ConversationAccess interface {
	IsParticipant(conversationID, userID int) (bool, error)
	MarkRead(conversationID, userID int, at time.Time) error
}

// NotificationMarker marks a user's notifications as read.
type NotificationMarker interface {
	MarkRead(userID int, notificationIDs []int) ([]models.Notification, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin is validated by the auth token carried in the request
		return true
	},
}

type Hub struct {
	registry      *Registry
	db            *sql.DB
	sender        MessageSender
	conversations ConversationAccess
	notifications NotificationMarker
	register      chan *Client
	unregister    chan *Client
}

type Client struct {
	userID int
	conn   *websocket.Conn
	hub    *Hub
	send   chan Event
	rooms  map[string]struct{} // guarded by the registry mutex
}

func NewHub(db *sql.DB, registry *Registry, sender MessageSender, conversations ConversationAccess, notifications NotificationMarker) *Hub {
	return &Hub{
		registry:      registry,
		db:            db,
		sender:        sender,
		conversations: conversations,
		notifications: notifications,
		register:      make(chan *Client),
		unregister:    make(chan *Client),
	}
}

func (h *Hub) Registry() *Registry {
	return h.registry
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.registry.add(client)
			h.touchLastActive(client.userID)
			log.Printf("User %d connected", client.userID)

		case client := <-h.unregister:
			h.registry.remove(client)
			close(client.send)
			h.touchLastActive(client.userID)
			log.Printf("User %d disconnected", client.userID)
		}
	}
}

func (h *Hub) touchLastActive(userID int) {
	if _, err := h.db.Exec(
		"UPDATE users SET last_active_at = CURRENT_TIMESTAMP WHERE id = ?", userID,
	); err != nil {
		log.Printf("ws: failed to update last_active_at for user %d: %v", userID, err)
	}
}

// HandleWebSocket upgrades an authenticated request to a realtime connection.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Upgrade error: %v", err)
		return
	}

	client := &Client{
		userID: userID.(int),
		conn:   conn,
		hub:    h,
		send:   make(chan Event, 256),
		rooms:  make(map[string]struct{}),
	}

	h.register <- client

	go client.readPump()
	go client.writePump()
}

// emit queues an event on this connection only, dropping it when the buffer
// is full.
func (c *Client) emit(event string, data any) {
	select {
	case c.send <- Event{Type: event, Data: data}:
	default:
		log.Printf("ws: send channel full for user %d, dropping %s", c.userID, event)
	}
}

func (c *Client) emitError(message string) {
	c.emit("error", gin.H{"message": message})
}

type inboundEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		var event inboundEvent
		if err := json.Unmarshal(data, &event); err != nil {
			continue
		}

		switch event.Type {
		case "send_message":
			c.handleSendMessage(event.Data)
		case "join_conversation":
			c.handleJoinConversation(event.Data)
		case "typing_start":
			c.handleTyping(event.Data, true)
		case "typing_stop":
			c.handleTyping(event.Data, false)
		case "read_notifications":
			c.handleReadNotifications(event.Data)
		}
	}
}

type sendMessagePayload struct {
	ConversationID int    `json:"conversation_id"`
	Content        string `json:"content"`
	Kind           string `json:"type"`
	MediaURL       string `json:"media_url"`
}

// handleSendMessage runs the same ingress sequence as the HTTP path; only the
// way the result travels back differs. The acknowledgement is the new_message
// fan-out, which includes the sender's personal room.
func (c *Client) handleSendMessage(data json.RawMessage) {
	var payload sendMessagePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.emitError("Invalid message payload")
		return
	}

	_, err := c.hub.sender.SendMessage(payload.ConversationID, c.userID, payload.Content, payload.MediaURL, payload.Kind)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotParticipant):
			c.emitError("Not authorized to send messages in this conversation")
		case errors.Is(err, store.ErrEmptyMessage), errors.Is(err, store.ErrInvalidConversation):
			c.emitError("Invalid message payload")
		default:
			log.Printf("ws: send_message failed for user %d: %v", c.userID, err)
			c.emitError("Failed to send message")
		}
	}
}

type joinConversationPayload struct {
	ConversationID int `json:"conversation_id"`
}

func (c *Client) handleJoinConversation(data json.RawMessage) {
	var payload joinConversationPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.ConversationID == 0 {
		c.emitError("Invalid conversation")
		return
	}

	ok, err := c.hub.conversations.IsParticipant(payload.ConversationID, c.userID)
	if err != nil {
		log.Printf("ws: participant check failed for user %d: %v", c.userID, err)
		c.emitError("Failed to join conversation")
		return
	}
	if !ok {
		c.emitError("Not authorized to join conversation")
		return
	}

	c.hub.registry.JoinRoom(c, ConversationRoom(payload.ConversationID))

	// Joining a conversation counts as reading it
	if err := c.hub.conversations.MarkRead(payload.ConversationID, c.userID, time.Now()); err != nil {
		log.Printf("ws: failed to mark conversation %d read for user %d: %v", payload.ConversationID, c.userID, err)
	}

	c.emit("joined_conversation", gin.H{"conversation_id": payload.ConversationID})
}

type typingPayload struct {
	ConversationID int `json:"conversation_id"`
}

type typingStatus struct {
	UserID         int  `json:"user_id"`
	ConversationID int  `json:"conversation_id"`
	IsTyping       bool `json:"is_typing"`
}

// handleTyping relays a typing indicator to the other members of the room.
// Nothing is persisted.
func (c *Client) handleTyping(data json.RawMessage, isTyping bool) {
	var payload typingPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.ConversationID == 0 {
		return
	}

	c.hub.registry.emitToRoom(ConversationRoom(payload.ConversationID), c, "typing_status", typingStatus{
		UserID:         c.userID,
		ConversationID: payload.ConversationID,
		IsTyping:       isTyping,
	})
}

type readNotificationsPayload struct {
	NotificationIDs []int `json:"notification_ids"`
}

func (c *Client) handleReadNotifications(data json.RawMessage) {
	var payload readNotificationsPayload
	if err := json.Unmarshal(data, &payload); err != nil || len(payload.NotificationIDs) == 0 {
		c.emitError("Invalid notification ids")
		return
	}

	if _, err := c.hub.notifications.MarkRead(c.userID, payload.NotificationIDs); err != nil {
		log.Printf("ws: failed to mark notifications read for user %d: %v", c.userID, err)
		c.emitError("Failed to mark notifications as read")
		return
	}

	c.emit("notifications_marked_read", gin.H{"notification_ids": payload.NotificationIDs})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}

			data, _ := json.Marshal(event)
			w.Write(data)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
