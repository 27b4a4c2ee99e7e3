package models

import "time"

type User struct {
	ID          int       `json:"id"`
	Username    string    `json:"username"`
	DisplayName *string   `json:"display_name,omitempty"`
	AvatarURL   *string   `json:"avatar_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Conversation types.
const (
	ConversationPrivate = "private"
	ConversationGroup   = "group"
)

type Conversation struct {
	ID            int        `json:"id"`
	Type          string     `json:"type"` // private, group
	Title         *string    `json:"title,omitempty"`
	CreatorID     int        `json:"creator_id"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

// Participant roles.
const (
	RoleOwner  = "owner"
	RoleMember = "member"
)

type Participant struct {
	ConversationID int        `json:"conversation_id"`
	UserID         int        `json:"user_id"`
	Role           string     `json:"role"` // owner, member
	LastReadAt     *time.Time `json:"last_read_at,omitempty"`
	JoinedAt       time.Time  `json:"joined_at"`
}

// Message kinds.
const (
	MessageText  = "text"
	MessageImage = "image"
	MessageVideo = "video"
	MessageFile  = "file"
	MessageAudio = "audio"
)

type Message struct {
	ID             int       `json:"id"`
	ConversationID int       `json:"conversation_id"`
	SenderID       int       `json:"sender_id"`
	Body           *string   `json:"body,omitempty"`
	MediaURL       *string   `json:"media_url,omitempty"`
	Kind           string    `json:"kind"`
	CreatedAt      time.Time `json:"created_at"`

	// Sender display fields, attached only when the preceding message in the
	// same conversation (or page) has a different sender.
	SenderUsername    *string `json:"sender_username,omitempty"`
	SenderDisplayName *string `json:"sender_display_name,omitempty"`
}

type Notification struct {
	ID         int        `json:"id"`
	UserID     int        `json:"user_id"`
	ActorID    int        `json:"actor_id"`
	Type       string     `json:"type"`
	TargetType string     `json:"target_type"`
	TargetID   int        `json:"target_id"`
	Message    string     `json:"message"`
	IsRead     bool       `json:"is_read"`
	ReadAt     *time.Time `json:"read_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Friendship statuses.
const (
	FriendPending  = "pending"
	FriendAccepted = "accepted"
	FriendRejected = "rejected"
	FriendBlocked  = "blocked"
)

type Friendship struct {
	ID        int       `json:"id"`
	UserID    int       `json:"user_id"`   // requester
	FriendID  int       `json:"friend_id"` // addressee
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Post visibilities.
const (
	VisibilityPublic  = "public"
	VisibilityFriends = "friends"
	VisibilityPrivate = "private"
)

type Post struct {
	ID            int       `json:"id"`
	UserID        int       `json:"user_id"`
	Content       *string   `json:"content,omitempty"`
	MediaURLs     []string  `json:"media_urls"`
	Visibility    string    `json:"visibility"`
	CommentsCount int       `json:"comments_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type Comment struct {
	ID        int       `json:"id"`
	PostID    int       `json:"post_id"`
	UserID    int       `json:"user_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`

	Username    *string `json:"username,omitempty"`
	DisplayName *string `json:"display_name,omitempty"`
}
