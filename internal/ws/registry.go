package ws

import (
	"log"
	"strconv"
	"sync"
)

// Event is the envelope for everything sent over a realtime connection.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// UserRoom is the personal room every connection of a user joins on connect.
func UserRoom(userID int) string {
	return "user:" + strconv.Itoa(userID)
}

// ConversationRoom is joined on demand while a user is viewing a conversation.
func ConversationRoom(conversationID int) string {
	return "conversation:" + strconv.Itoa(conversationID)
}

// Registry is the process-wide map from user identity to active realtime
// connections and the rooms each connection has joined. It is in-memory only;
// a process restart is equivalent to all users disconnecting at once.
//
// Collaborators outside this package touch it only through IsUserOnline,
// IsActivelyViewing, EmitToUser, and EmitToConversation.
type Registry struct {
	mu    sync.RWMutex
	users map[int]map[*Client]struct{}
	rooms map[string]map[*Client]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		users: make(map[int]map[*Client]struct{}),
		rooms: make(map[string]map[*Client]struct{}),
	}
}

// add registers a connection and joins its user room.
func (r *Registry) add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.users[c.userID] == nil {
		r.users[c.userID] = make(map[*Client]struct{})
	}
	r.users[c.userID][c] = struct{}{}
	r.joinLocked(c, UserRoom(c.userID))
}

// remove drops the connection from every room and from the user mapping.
func (r *Registry) remove(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for room := range c.rooms {
		r.leaveLocked(c, room)
	}

	if set, ok := r.users[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(r.users, c.userID)
		}
	}
}

// JoinRoom subscribes the connection to a room; joining twice is a no-op.
// Callers must have verified participancy before joining conversation rooms.
func (r *Registry) JoinRoom(c *Client, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joinLocked(c, room)
}

func (r *Registry) joinLocked(c *Client, room string) {
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[*Client]struct{})
	}
	r.rooms[room][c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (r *Registry) leaveLocked(c *Client, room string) {
	if set, ok := r.rooms[room]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(r.rooms, room)
		}
	}
	delete(c.rooms, room)
}

// IsUserOnline reports whether the user has at least one open connection.
func (r *Registry) IsUserOnline(userID int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// OnlineUserIDs lists all users with at least one open connection.
func (r *Registry) OnlineUserIDs() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int, 0, len(r.users))
	for id := range r.users {
		ids = append(ids, id)
	}
	return ids
}

// IsActivelyViewing reports whether any of the user's connections has joined
// the conversation's room. Room membership is the presence proxy: it decides
// between advancing the read cursor and dispatching a notification.
func (r *Registry) IsActivelyViewing(userID, conversationID int) bool {
	room := ConversationRoom(conversationID)

	r.mu.RLock()
	defer r.mu.RUnlock()

	for c := range r.users[userID] {
		if _, ok := c.rooms[room]; ok {
			return true
		}
	}
	return false
}

// EmitToUser pushes an event to every connection in the user's personal room.
func (r *Registry) EmitToUser(userID int, event string, data any) {
	r.emitToRoom(UserRoom(userID), nil, event, data)
}

// EmitToConversation pushes an event to every connection in the conversation
// room.
func (r *Registry) EmitToConversation(conversationID int, event string, data any) {
	r.emitToRoom(ConversationRoom(conversationID), nil, event, data)
}

// emitToRoom sends to every connection in the room, skipping except when set.
// Slow consumers are dropped rather than blocking the caller.
func (r *Registry) emitToRoom(room string, except *Client, event string, data any) {
	ev := Event{Type: event, Data: data}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for c := range r.rooms[room] {
		if c == except {
			continue
		}
		select {
		case c.send <- ev:
		default:
			log.Printf("ws: send channel full for user %d, dropping %s", c.userID, event)
		}
	}
}
