// Package store owns durable state for conversations, participants, and
// messages. All mutations run inside short-lived transactions against the
// backing SQLite database; that transaction is the only serialization point.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/commune-app/commune/internal/models"
)

var (
	ErrNotParticipant      = errors.New("not a participant in this conversation")
	ErrNotFound            = errors.New("not found")
	ErrNotSender           = errors.New("can only delete own messages")
	ErrEmptyMessage        = errors.New("message requires content or media")
	ErrInvalidConversation = errors.New("invalid conversation id")
	ErrInvalidType         = errors.New("invalid conversation type")
	ErrPrivateParticipants = errors.New("private conversations require exactly one participant")
	ErrGroupParticipants   = errors.New("group conversations require at least one participant")
)

// MissingUsersError reports participant ids that do not resolve to users.
type MissingUsersError struct {
	IDs []int
}

func (e *MissingUsersError) Error() string {
	return fmt.Sprintf("some participant ids do not exist: %v", e.IDs)
}

// neverRead sorts before any stored timestamp, the "never read" sentinel.
const neverRead = "1970-01-01 00:00:00"

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// active returns the soft-delete filter for the given table alias. Every read
// path must go through this; do not hand-write deleted_at checks in queries.
func active(alias string) string {
	if alias == "" {
		return "deleted_at IS NULL"
	}
	return alias + ".deleted_at IS NULL"
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// NormalizeKind coerces unknown message kinds to text.
func NormalizeKind(kind string) string {
	switch kind {
	case models.MessageText, models.MessageImage, models.MessageVideo, models.MessageFile, models.MessageAudio:
		return kind
	default:
		return models.MessageText
	}
}

// CreateConversation creates a conversation plus its owner and member rows as
// one transaction. The participant list is deduplicated and the creator
// removed from it before validation.
func (s *Store) CreateConversation(creatorID int, title, convType string, participantIDs []int) (*models.Conversation, error) {
	if convType != models.ConversationPrivate && convType != models.ConversationGroup {
		return nil, ErrInvalidType
	}

	cleaned := dedupeParticipants(creatorID, participantIDs)

	if convType == models.ConversationPrivate && len(cleaned) != 1 {
		return nil, ErrPrivateParticipants
	}
	if convType == models.ConversationGroup && len(cleaned) == 0 {
		return nil, ErrGroupParticipants
	}

	missing, err := s.missingUsers(cleaned)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve participants: %w", err)
	}
	if len(missing) > 0 {
		return nil, &MissingUsersError{IDs: missing}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		"INSERT INTO conversations (type, title, creator_id) VALUES (?, ?, ?)",
		convType, nullString(title), creatorID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	convID, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation id: %w", err)
	}

	if _, err := tx.Exec(
		"INSERT INTO conversation_participants (conversation_id, user_id, role) VALUES (?, ?, ?)",
		convID, creatorID, models.RoleOwner,
	); err != nil {
		return nil, fmt.Errorf("failed to add owner: %w", err)
	}

	for _, userID := range cleaned {
		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO conversation_participants (conversation_id, user_id, role) VALUES (?, ?, ?)",
			convID, userID, models.RoleMember,
		); err != nil {
			return nil, fmt.Errorf("failed to add participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit conversation: %w", err)
	}

	return s.GetConversation(int(convID))
}

// FindExistingPrivateConversation returns the most-recently-active private
// conversation whose non-deleted participant set is exactly {userA, userB}, or
// nil when there is none. Callers use it before CreateConversation to get
// idempotent get-or-create semantics for private chats; the check-then-create
// sequence is not atomic under race, so duplicates resolve by activity here.
func (s *Store) FindExistingPrivateConversation(userA, userB int) (*models.Conversation, error) {
	conv := &models.Conversation{}
	var title sql.NullString
	var lastMessageAt sql.NullTime

	err := s.db.QueryRow(`
		SELECT c.id, c.type, c.title, c.creator_id, c.created_at, c.updated_at, c.last_message_at
		FROM conversations c
		WHERE c.type = 'private' AND `+active("c")+`
		  AND EXISTS (
			SELECT 1 FROM conversation_participants cp
			WHERE cp.conversation_id = c.id AND cp.user_id = ? AND `+active("cp")+`
		  )
		  AND EXISTS (
			SELECT 1 FROM conversation_participants cp
			WHERE cp.conversation_id = c.id AND cp.user_id = ? AND `+active("cp")+`
		  )
		  AND (
			SELECT COUNT(*) FROM conversation_participants cp
			WHERE cp.conversation_id = c.id AND `+active("cp")+`
		  ) = 2
		ORDER BY COALESCE(c.last_message_at, c.updated_at) DESC, c.id DESC
		LIMIT 1
	`, userA, userB).Scan(&conv.ID, &conv.Type, &title, &conv.CreatorID, &conv.CreatedAt, &conv.UpdatedAt, &lastMessageAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find private conversation: %w", err)
	}

	if title.Valid {
		conv.Title = &title.String
	}
	if lastMessageAt.Valid {
		conv.LastMessageAt = &lastMessageAt.Time
	}
	return conv, nil
}

// GetConversation fetches a single non-deleted conversation.
func (s *Store) GetConversation(id int) (*models.Conversation, error) {
	conv := &models.Conversation{}
	var title sql.NullString
	var lastMessageAt sql.NullTime

	err := s.db.QueryRow(`
		SELECT id, type, title, creator_id, created_at, updated_at, last_message_at
		FROM conversations
		WHERE id = ? AND `+active("")+`
	`, id).Scan(&conv.ID, &conv.Type, &title, &conv.CreatorID, &conv.CreatedAt, &conv.UpdatedAt, &lastMessageAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversation: %w", err)
	}

	if title.Valid {
		conv.Title = &title.String
	}
	if lastMessageAt.Valid {
		conv.LastMessageAt = &lastMessageAt.Time
	}
	return conv, nil
}

// ListConversations returns a page of the user's conversations ordered by most
// recent activity.
func (s *Store) ListConversations(userID, page, pageSize int) ([]models.Conversation, error) {
	limit, offset := pageBounds(page, pageSize, 20)

	rows, err := s.db.Query(`
		SELECT c.id, c.type, c.title, c.creator_id, c.created_at, c.updated_at, c.last_message_at
		FROM conversations c
		JOIN conversation_participants cp ON cp.conversation_id = c.id
		WHERE cp.user_id = ? AND `+active("c")+` AND `+active("cp")+`
		ORDER BY COALESCE(c.last_message_at, c.updated_at) DESC, c.id DESC
		LIMIT ? OFFSET ?
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversations: %w", err)
	}
	defer rows.Close()

	conversations := []models.Conversation{}
	for rows.Next() {
		var conv models.Conversation
		var title sql.NullString
		var lastMessageAt sql.NullTime
		if err := rows.Scan(&conv.ID, &conv.Type, &title, &conv.CreatorID, &conv.CreatedAt, &conv.UpdatedAt, &lastMessageAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		if title.Valid {
			conv.Title = &title.String
		}
		if lastMessageAt.Valid {
			conv.LastMessageAt = &lastMessageAt.Time
		}
		conversations = append(conversations, conv)
	}
	return conversations, rows.Err()
}

// IsParticipant reports whether the user is a current (non-deleted)
// participant of the conversation.
func (s *Store) IsParticipant(conversationID, userID int) (bool, error) {
	var one int
	err := s.db.QueryRow(`
		SELECT 1 FROM conversation_participants
		WHERE conversation_id = ? AND user_id = ? AND `+active("")+`
	`, conversationID, userID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check participant: %w", err)
	}
	return true, nil
}

// Participants returns the user ids of all current participants.
func (s *Store) Participants(conversationID int) ([]int, error) {
	rows, err := s.db.Query(`
		SELECT user_id FROM conversation_participants
		WHERE conversation_id = ? AND `+active("")+`
		ORDER BY user_id
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch participants: %w", err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// OtherParticipant returns the second member of a private conversation.
func (s *Store) OtherParticipant(conversationID, userID int) (*models.User, error) {
	user := &models.User{}
	var displayName, avatarURL sql.NullString

	err := s.db.QueryRow(`
		SELECT u.id, u.username, u.display_name, u.avatar_url, u.created_at
		FROM conversation_participants cp
		JOIN users u ON u.id = cp.user_id
		WHERE cp.conversation_id = ? AND cp.user_id != ? AND `+active("cp")+` AND `+active("u")+`
		LIMIT 1
	`, conversationID, userID).Scan(&user.ID, &user.Username, &displayName, &avatarURL, &user.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch participant: %w", err)
	}

	if displayName.Valid {
		user.DisplayName = &displayName.String
	}
	if avatarURL.Valid {
		user.AvatarURL = &avatarURL.String
	}
	return user, nil
}

// AppendMessage persists a message and bumps the conversation's activity
// timestamps in one transaction. The sender must be a current participant.
// The returned message carries sender display fields only when the previous
// non-deleted message in the conversation has a different sender; that
// enrichment runs after commit and is best effort.
func (s *Store) AppendMessage(conversationID, senderID int, body, mediaURL, kind string) (*models.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" && mediaURL == "" {
		return nil, ErrEmptyMessage
	}
	kind = NormalizeKind(kind)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRow(`
		SELECT 1 FROM conversation_participants
		WHERE conversation_id = ? AND user_id = ? AND `+active("")+`
	`, conversationID, senderID).Scan(&one)
	if err == sql.ErrNoRows {
		return nil, ErrNotParticipant
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check participant: %w", err)
	}

	result, err := tx.Exec(`
		INSERT INTO messages (conversation_id, sender_id, body, media_url, kind)
		VALUES (?, ?, ?, ?, ?)
	`, conversationID, senderID, nullString(body), nullString(mediaURL), kind)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	messageID, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get message id: %w", err)
	}

	msg := &models.Message{
		ID:             int(messageID),
		ConversationID: conversationID,
		SenderID:       senderID,
		Kind:           kind,
	}
	if body != "" {
		msg.Body = &body
	}
	if mediaURL != "" {
		msg.MediaURL = &mediaURL
	}

	if err := tx.QueryRow(
		"SELECT created_at FROM messages WHERE id = ?", messageID,
	).Scan(&msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to read message timestamp: %w", err)
	}

	if _, err := tx.Exec(`
		UPDATE conversations
		SET updated_at = CURRENT_TIMESTAMP, last_message_at = ?
		WHERE id = ?
	`, msg.CreatedAt.UTC(), conversationID); err != nil {
		return nil, fmt.Errorf("failed to update conversation activity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}

	s.enrichSender(msg)

	return msg, nil
}

// enrichSender attaches the sender's display fields unless the message just
// before this one came from the same sender. Failures are logged only; the
// message is already committed.
func (s *Store) enrichSender(msg *models.Message) {
	var prevSenderID sql.NullInt64
	err := s.db.QueryRow(`
		SELECT sender_id FROM messages
		WHERE conversation_id = ? AND id != ? AND `+active("")+`
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, msg.ConversationID, msg.ID).Scan(&prevSenderID)
	if err != nil && err != sql.ErrNoRows {
		log.Printf("store: failed to load previous sender for message %d: %v", msg.ID, err)
		return
	}

	if prevSenderID.Valid && int(prevSenderID.Int64) == msg.SenderID {
		return
	}

	var username string
	var displayName sql.NullString
	if err := s.db.QueryRow(
		"SELECT username, display_name FROM users WHERE id = ?", msg.SenderID,
	).Scan(&username, &displayName); err != nil {
		log.Printf("store: failed to load sender details for message %d: %v", msg.ID, err)
		return
	}

	msg.SenderUsername = &username
	if displayName.Valid {
		msg.SenderDisplayName = &displayName.String
	}
}

// ListMessages returns one page of a conversation's messages, oldest first.
// The page is selected newest-first and reversed, so page 1 always ends at the
// latest message. Sender display fields follow the collapsed-sender rule
// within the page only: the first message of a page always carries them.
func (s *Store) ListMessages(conversationID, page, pageSize int) ([]models.Message, error) {
	limit, offset := pageBounds(page, pageSize, 50)

	rows, err := s.db.Query(`
		SELECT m.id, m.conversation_id, m.sender_id, m.body, m.media_url, m.kind, m.created_at,
		       u.username, u.display_name
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.conversation_id = ? AND `+active("m")+`
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT ? OFFSET ?
	`, conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	defer rows.Close()

	type row struct {
		msg         models.Message
		username    string
		displayName sql.NullString
	}

	var fetched []row
	for rows.Next() {
		var r row
		var body, mediaURL sql.NullString
		if err := rows.Scan(&r.msg.ID, &r.msg.ConversationID, &r.msg.SenderID, &body, &mediaURL,
			&r.msg.Kind, &r.msg.CreatedAt, &r.username, &r.displayName); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if body.Valid {
			r.msg.Body = &body.String
		}
		if mediaURL.Valid {
			r.msg.MediaURL = &mediaURL.String
		}
		fetched = append(fetched, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to oldest-first
	for i := len(fetched)/2 - 1; i >= 0; i-- {
		opp := len(fetched) - 1 - i
		fetched[i], fetched[opp] = fetched[opp], fetched[i]
	}

	messages := make([]models.Message, 0, len(fetched))
	prevSender := 0
	for _, r := range fetched {
		m := r.msg
		if m.SenderID != prevSender {
			username := r.username
			m.SenderUsername = &username
			if r.displayName.Valid {
				displayName := r.displayName.String
				m.SenderDisplayName = &displayName
			}
		}
		prevSender = m.SenderID
		messages = append(messages, m)
	}
	return messages, nil
}

// MarkRead advances the participant's read cursor to at; it never regresses.
func (s *Store) MarkRead(conversationID, userID int, at time.Time) error {
	_, err := s.db.Exec(`
		UPDATE conversation_participants
		SET last_read_at = MAX(COALESCE(last_read_at, ?), ?)
		WHERE conversation_id = ? AND user_id = ? AND `+active("")+`
	`, neverRead, at.UTC(), conversationID, userID)
	if err != nil {
		return fmt.Errorf("failed to mark read: %w", err)
	}
	return nil
}

// LastReadAt returns the participant's read cursor, nil when never read.
func (s *Store) LastReadAt(conversationID, userID int) (*time.Time, error) {
	var lastReadAt sql.NullTime
	err := s.db.QueryRow(`
		SELECT last_read_at FROM conversation_participants
		WHERE conversation_id = ? AND user_id = ? AND `+active("")+`
	`, conversationID, userID).Scan(&lastReadAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotParticipant
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch read cursor: %w", err)
	}
	if !lastReadAt.Valid {
		return nil, nil
	}
	t := lastReadAt.Time
	return &t, nil
}

type UnreadCount struct {
	ConversationID int `json:"conversation_id"`
	Count          int `json:"unread_count"`
}

// UnreadCounts reports, per conversation, how many non-deleted messages from
// other senders are newer than the user's read cursor.
func (s *Store) UnreadCounts(userID int) ([]UnreadCount, error) {
	rows, err := s.db.Query(`
		SELECT cp.conversation_id, COUNT(m.id)
		FROM conversation_participants cp
		JOIN messages m ON m.conversation_id = cp.conversation_id
		WHERE cp.user_id = ? AND `+active("cp")+` AND `+active("m")+`
		  AND m.sender_id != ?
		  AND m.created_at > COALESCE(cp.last_read_at, ?)
		GROUP BY cp.conversation_id
	`, userID, userID, neverRead)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unread counts: %w", err)
	}
	defer rows.Close()

	counts := []UnreadCount{}
	for rows.Next() {
		var c UnreadCount
		if err := rows.Scan(&c.ConversationID, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan unread count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// DeleteMessage soft-deletes a message; only its sender may do so.
func (s *Store) DeleteMessage(messageID, requesterID int) error {
	var senderID int
	err := s.db.QueryRow(`
		SELECT sender_id FROM messages WHERE id = ? AND `+active("")+`
	`, messageID).Scan(&senderID)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to fetch message: %w", err)
	}

	if senderID != requesterID {
		return ErrNotSender
	}

	if _, err := s.db.Exec(
		"UPDATE messages SET deleted_at = CURRENT_TIMESTAMP WHERE id = ?", messageID,
	); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// LeaveConversation soft-deletes the participant row.
func (s *Store) LeaveConversation(conversationID, userID int) error {
	result, err := s.db.Exec(`
		UPDATE conversation_participants
		SET deleted_at = CURRENT_TIMESTAMP
		WHERE conversation_id = ? AND user_id = ? AND `+active("")+`
	`, conversationID, userID)
	if err != nil {
		return fmt.Errorf("failed to leave conversation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to leave conversation: %w", err)
	}
	if affected == 0 {
		return ErrNotParticipant
	}
	return nil
}

func (s *Store) missingUsers(ids []int) ([]int, error) {
	var missing []int
	for _, id := range ids {
		var exists bool
		err := s.db.QueryRow(
			"SELECT EXISTS(SELECT 1 FROM users WHERE id = ? AND "+active("")+")", id,
		).Scan(&exists)
		if err != nil {
			return nil, err
		}
		if !exists {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func dedupeParticipants(creatorID int, ids []int) []int {
	seen := map[int]bool{creatorID: true}
	var cleaned []int
	for _, id := range ids {
		if id <= 0 || seen[id] {
			continue
		}
		seen[id] = true
		cleaned = append(cleaned, id)
	}
	return cleaned
}

func pageBounds(page, pageSize, defaultSize int) (limit, offset int) {
	if pageSize <= 0 {
		pageSize = defaultSize
	}
	if pageSize > 100 {
		pageSize = 100
	}
	if page <= 0 {
		page = 1
	}
	return pageSize, (page - 1) * pageSize
}
