package handlers

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/commune-app/commune/internal/models"
	"github.com/commune-app/commune/internal/store"
)

// OnlineChecker reports realtime presence.
type OnlineChecker interface {
	IsUserOnline(userID int) bool
	OnlineUserIDs() []int
}

// MessageSender is the shared ingress; the realtime path uses the same one.
type MessageSender interface {
	SendMessage(conversationID, senderID int, content, mediaURL, kind string) (*models.Message, error)
}

// Notifier creates notifications for events that originate in HTTP handlers,
// such as group invites.
type Notifier interface {
	CreateNotification(userID, actorID int, kind, targetType string, targetID int, message string) (*models.Notification, error)
}

type MessageHandler struct {
	db       *sql.DB
	store    *store.Store
	sender   MessageSender
	online   OnlineChecker
	notifier Notifier
	files    *FileStore
}

func NewMessageHandler(db *sql.DB, st *store.Store, sender MessageSender, online OnlineChecker, notifier Notifier, files *FileStore) *MessageHandler {
	return &MessageHandler{db: db, store: st, sender: sender, online: online, notifier: notifier, files: files}
}

type CreateConversationRequest struct {
	Type           string `json:"type"`
	Title          string `json:"title"`
	ParticipantIDs []int  `json:"participant_ids" binding:"required"`
}

// CreateConversation creates a conversation. For private conversations it is
// get-or-create: an existing conversation with the same pair returns 200, a
// fresh one returns 201. Invited group members get a notification.
func (h *MessageHandler) CreateConversation(c *gin.Context) {
	currentUserID := c.GetInt("user_id")

	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if req.Type == "" {
		req.Type = models.ConversationPrivate
	}

	if req.Type == models.ConversationPrivate {
		others := uniqueOthers(currentUserID, req.ParticipantIDs)
		if len(others) != 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "private conversations require exactly one other participant"})
			return
		}

		existing, err := h.store.FindExistingPrivateConversation(currentUserID, others[0])
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to look up conversation"})
			return
		}
		if existing != nil {
			c.JSON(http.StatusOK, h.conversationPayload(existing, currentUserID))
			return
		}
	}

	conv, err := h.store.CreateConversation(currentUserID, req.Title, req.Type, req.ParticipantIDs)
	if err != nil {
		var missing *store.MissingUsersError
		switch {
		case errors.As(err, &missing):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, store.ErrInvalidType),
			errors.Is(err, store.ErrPrivateParticipants),
			errors.Is(err, store.ErrGroupParticipants):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create conversation"})
		}
		return
	}

	if h.notifier != nil {
		kind, text := "new_conversation", "started a conversation with you"
		if conv.Type == models.ConversationGroup {
			kind, text = "group_invite", "added you to a group"
		}
		for _, userID := range uniqueOthers(currentUserID, req.ParticipantIDs) {
			h.notifier.CreateNotification(userID, currentUserID, kind, "conversation", conv.ID, text)
		}
	}

	c.JSON(http.StatusCreated, h.conversationPayload(conv, currentUserID))
}

// GetConversations lists the user's conversations by most recent activity,
// with unread counts and, for private conversations, the other participant.
func (h *MessageHandler) GetConversations(c *gin.Context) {
	currentUserID := c.GetInt("user_id")
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	conversations, err := h.store.ListConversations(currentUserID, page, pageSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch conversations"})
		return
	}

	unread, err := h.store.UnreadCounts(currentUserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch unread counts"})
		return
	}
	unreadByConv := make(map[int]int, len(unread))
	for _, u := range unread {
		unreadByConv[u.ConversationID] = u.Count
	}

	previews := make([]gin.H, 0, len(conversations))
	for i := range conversations {
		p := h.conversationPayload(&conversations[i], currentUserID)
		p["unread_count"] = unreadByConv[conversations[i].ID]
		previews = append(previews, p)
	}

	c.JSON(http.StatusOK, gin.H{"conversations": previews})
}

// GetConversationMessages returns one page of messages, oldest first, plus the
// conversation summary. Fetching a page counts as viewing: the caller's read
// cursor advances to now. Messages the caller sent come back without sender
// display fields.
func (h *MessageHandler) GetConversationMessages(c *gin.Context) {
	currentUserID := c.GetInt("user_id")

	conversationID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}

	ok, err := h.store.IsParticipant(conversationID, currentUserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check access"})
		return
	}
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant in this conversation"})
		return
	}

	conv, err := h.store.GetConversation(conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch conversation"})
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "50"))

	messages, err := h.store.ListMessages(conversationID, page, pageSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch messages"})
		return
	}

	for i := range messages {
		if messages[i].SenderID == currentUserID {
			messages[i].SenderUsername = nil
			messages[i].SenderDisplayName = nil
		}
	}

	if err := h.store.MarkRead(conversationID, currentUserID, time.Now()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update read cursor"})
		return
	}

	payload := h.conversationPayload(conv, currentUserID)
	c.JSON(http.StatusOK, gin.H{
		"conversation": payload,
		"messages":     messages,
	})
}

// SendMessage posts a message over HTTP. Accepts JSON with content, or
// multipart form data with an optional file attachment.
func (h *MessageHandler) SendMessage(c *gin.Context) {
	currentUserID := c.GetInt("user_id")

	conversationID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}

	var content, mediaURL, kind string

	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		content = c.PostForm("content")
		kind = c.PostForm("kind")

		if _, header, err := c.Request.FormFile("file"); err == nil {
			url, saveErr := h.files.Save(c, header)
			if saveErr != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": saveErr.Error()})
				return
			}
			mediaURL = url
			if kind == "" {
				kind = kindFromContentType(header.Header.Get("Content-Type"))
			}
		}
	} else {
		var req struct {
			Content string `json:"content"`
			Kind    string `json:"kind"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		content = req.Content
		kind = req.Kind
	}

	msg, err := h.sender.SendMessage(conversationID, currentUserID, content, mediaURL, kind)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotParticipant):
			c.JSON(http.StatusForbidden, gin.H{"error": "not a participant in this conversation"})
		case errors.Is(err, store.ErrEmptyMessage):
			c.JSON(http.StatusBadRequest, gin.H{"error": "message requires content or media"})
		case errors.Is(err, store.ErrInvalidConversation):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to send message"})
		}
		return
	}

	c.JSON(http.StatusCreated, msg)
}

// GetUnreadCounts reports unread message counts per conversation.
func (h *MessageHandler) GetUnreadCounts(c *gin.Context) {
	currentUserID := c.GetInt("user_id")

	counts, err := h.store.UnreadCounts(currentUserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch unread counts"})
		return
	}

	total := 0
	for _, u := range counts {
		total += u.Count
	}

	c.JSON(http.StatusOK, gin.H{"conversations": counts, "total": total})
}

// MarkConversationRead advances the caller's read cursor to now.
func (h *MessageHandler) MarkConversationRead(c *gin.Context) {
	currentUserID := c.GetInt("user_id")

	conversationID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}

	ok, err := h.store.IsParticipant(conversationID, currentUserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check access"})
		return
	}
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant in this conversation"})
		return
	}

	if err := h.store.MarkRead(conversationID, currentUserID, time.Now()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update read cursor"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "read"})
}

// DeleteMessage soft-deletes a message (only sender can delete)
func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	currentUserID := c.GetInt("user_id")

	messageID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}

	if err := h.store.DeleteMessage(messageID, currentUserID); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		case errors.Is(err, store.ErrNotSender):
			c.JSON(http.StatusForbidden, gin.H{"error": "can only delete own messages"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete message"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// LeaveConversation removes the caller from a conversation.
func (h *MessageHandler) LeaveConversation(c *gin.Context) {
	currentUserID := c.GetInt("user_id")

	conversationID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}

	if err := h.store.LeaveConversation(conversationID, currentUserID); err != nil {
		if errors.Is(err, store.ErrNotParticipant) {
			c.JSON(http.StatusForbidden, gin.H{"error": "not a participant in this conversation"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to leave conversation"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "left"})
}

// conversationPayload builds the API shape for a conversation. Private
// conversations carry the other participant with their online flag.
func (h *MessageHandler) conversationPayload(conv *models.Conversation, currentUserID int) gin.H {
	payload := gin.H{
		"id":              conv.ID,
		"type":            conv.Type,
		"title":           conv.Title,
		"creator_id":      conv.CreatorID,
		"created_at":      conv.CreatedAt,
		"updated_at":      conv.UpdatedAt,
		"last_message_at": conv.LastMessageAt,
	}

	if conv.Type == models.ConversationPrivate {
		other, err := h.store.OtherParticipant(conv.ID, currentUserID)
		if err == nil {
			payload["other_user"] = gin.H{
				"id":           other.ID,
				"username":     other.Username,
				"display_name": other.DisplayName,
				"avatar_url":   other.AvatarURL,
				"is_online":    h.online != nil && h.online.IsUserOnline(other.ID),
			}
		}
	}

	return payload
}

func uniqueOthers(currentUserID int, ids []int) []int {
	seen := map[int]bool{currentUserID: true}
	var others []int
	for _, id := range ids {
		if id <= 0 || seen[id] {
			continue
		}
		seen[id] = true
		others = append(others, id)
	}
	return others
}

func kindFromContentType(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return models.MessageImage
	case strings.HasPrefix(contentType, "video/"):
		return models.MessageVideo
	case strings.HasPrefix(contentType, "audio/"):
		return models.MessageAudio
	default:
		return models.MessageFile
	}
}
