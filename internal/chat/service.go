// Package chat is the message ingress shared by both entry paths. The HTTP
// handler and the realtime send_message handler call the same SendMessage so
// validation and side effects cannot drift between them.
package chat

import (
	"log"

	"github.com/commune-app/commune/internal/models"
	"github.com/commune-app/commune/internal/store"
)

// Presence answers whether a recipient is actively viewing a conversation and
// pushes realtime events. Implemented by the ws registry.
type Presence interface {
	IsActivelyViewing(userID, conversationID int) bool
	EmitToUser(userID int, event string, data any)
}

// Notifier is the notification bridge. Calls are fire-and-forget from this
// package's perspective; failures are logged, never propagated.
type Notifier interface {
	CreateNotification(userID, actorID int, kind, targetType string, targetID int, message string) (*models.Notification, error)
}

type Service struct {
	store    *store.Store
	presence Presence
	notifier Notifier
}

func New(st *store.Store, presence Presence, notifier Notifier) *Service {
	return &Service{store: st, presence: presence, notifier: notifier}
}

// SendMessage validates, persists, and fans out a new message:
//
//  1. the message and the conversation activity bump commit in one
//     transaction, or neither does;
//  2. every current participant's personal room gets a new_message push,
//     the sender included;
//  3. every other participant either has their read cursor advanced (when
//     actively viewing the conversation) or gets a notification.
//
// Post-commit effects are best effort: once the row is durable the send never
// reports failure.
func (s *Service) SendMessage(conversationID, senderID int, content, mediaURL, kind string) (*models.Message, error) {
	if conversationID <= 0 {
		return nil, store.ErrInvalidConversation
	}

	msg, err := s.store.AppendMessage(conversationID, senderID, content, mediaURL, kind)
	if err != nil {
		return nil, err
	}

	recipients, err := s.store.Participants(conversationID)
	if err != nil {
		log.Printf("chat: failed to load recipients for message %d: %v", msg.ID, err)
		recipients = []int{senderID}
	}

	s.deliver(msg, recipients)

	return msg, nil
}

// deliver applies the per-recipient treatment independently; one recipient's
// failure never affects another's.
func (s *Service) deliver(msg *models.Message, recipients []int) {
	for _, userID := range recipients {
		// The realtime push is unconditional; presence only suppresses the
		// notification path.
		s.presence.EmitToUser(userID, "new_message", msg)

		if userID == msg.SenderID {
			continue
		}

		if s.presence.IsActivelyViewing(userID, msg.ConversationID) {
			if err := s.store.MarkRead(msg.ConversationID, userID, msg.CreatedAt); err != nil {
				log.Printf("chat: failed to advance read cursor for user %d in conversation %d: %v",
					userID, msg.ConversationID, err)
			}
			continue
		}

		if _, err := s.notifier.CreateNotification(
			userID, msg.SenderID, "message", "conversation", msg.ConversationID, "sent you a message",
		); err != nil {
			log.Printf("chat: failed to create notification for user %d: %v", userID, err)
		}
	}
}
