package handlers

import (
	"database/sql"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/commune-app/commune/internal/models"
)

type FriendHandler struct {
	db       *sql.DB
	online   OnlineChecker
	notifier Notifier
}

func NewFriendHandler(db *sql.DB, online OnlineChecker, notifier Notifier) *FriendHandler {
	return &FriendHandler{db: db, online: online, notifier: notifier}
}

// SendRequest creates a pending friend request and notifies the addressee. A
// previously rejected request can be re-sent.
func (h *FriendHandler) SendRequest(c *gin.Context) {
	currentUserID := c.GetInt("user_id")

	var req struct {
		UserID int `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	if req.UserID == currentUserID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot friend yourself"})
		return
	}

	var exists bool
	if err := h.db.QueryRow(
		"SELECT EXISTS(SELECT 1 FROM users WHERE id = ? AND deleted_at IS NULL)", req.UserID,
	).Scan(&exists); err != nil || !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}

	// Any existing relationship in either direction blocks a new request,
	// except a rejected one, which the requester may retry.
	var status string
	err := h.db.QueryRow(`
		SELECT status FROM friends
		WHERE (user_id = ? AND friend_id = ?) OR (user_id = ? AND friend_id = ?)
		LIMIT 1
	`, currentUserID, req.UserID, req.UserID, currentUserID).Scan(&status)
	if err != nil && err != sql.ErrNoRows {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check friendship"})
		return
	}
	if err == nil && status != models.FriendRejected {
		c.JSON(http.StatusConflict, gin.H{"error": "friend request already exists"})
		return
	}

	if _, err := h.db.Exec(`
		INSERT INTO friends (user_id, friend_id, status) VALUES (?, ?, 'pending')
		ON CONFLICT(user_id, friend_id) DO UPDATE SET status = 'pending', created_at = CURRENT_TIMESTAMP
	`, currentUserID, req.UserID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create friend request"})
		return
	}

	if h.notifier != nil {
		h.notifier.CreateNotification(
			req.UserID, currentUserID, "friend_request", "user", currentUserID, "sent you a friend request",
		)
	}

	c.JSON(http.StatusCreated, gin.H{"status": models.FriendPending})
}

// Respond lets the addressee accept or reject a pending request.
func (h *FriendHandler) Respond(c *gin.Context) {
	currentUserID := c.GetInt("user_id")

	requesterID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}

	var req struct {
		Action string `json:"action" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	var status string
	switch strings.ToLower(req.Action) {
	case "accept":
		status = models.FriendAccepted
	case "reject":
		status = models.FriendRejected
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "action must be accept or reject"})
		return
	}

	result, err := h.db.Exec(`
		UPDATE friends SET status = ?
		WHERE user_id = ? AND friend_id = ? AND status = 'pending'
	`, status, requesterID, currentUserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update friend request"})
		return
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no pending request from this user"})
		return
	}

	if status == models.FriendAccepted && h.notifier != nil {
		h.notifier.CreateNotification(
			requesterID, currentUserID, "friend_accepted", "user", currentUserID, "accepted your friend request",
		)
	}

	c.JSON(http.StatusOK, gin.H{"status": status})
}

// Block marks the relationship blocked from the caller's side, replacing any
// existing relationship in either direction.
func (h *FriendHandler) Block(c *gin.Context) {
	currentUserID := c.GetInt("user_id")

	otherID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	if otherID == currentUserID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot block yourself"})
		return
	}

	tx, err := h.db.Begin()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to block user"})
		return
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"DELETE FROM friends WHERE user_id = ? AND friend_id = ?", otherID, currentUserID,
	); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to block user"})
		return
	}
	if _, err := tx.Exec(`
		INSERT INTO friends (user_id, friend_id, status) VALUES (?, ?, 'blocked')
		ON CONFLICT(user_id, friend_id) DO UPDATE SET status = 'blocked'
	`, currentUserID, otherID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to block user"})
		return
	}
	if err := tx.Commit(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to block user"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": models.FriendBlocked})
}

// Remove deletes an accepted friendship in either direction.
func (h *FriendHandler) Remove(c *gin.Context) {
	currentUserID := c.GetInt("user_id")

	otherID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}

	result, err := h.db.Exec(`
		DELETE FROM friends
		WHERE status = 'accepted'
		  AND ((user_id = ? AND friend_id = ?) OR (user_id = ? AND friend_id = ?))
	`, currentUserID, otherID, otherID, currentUserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to remove friend"})
		return
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not friends with this user"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

// List returns the caller's accepted friends with their online flags.
func (h *FriendHandler) List(c *gin.Context) {
	currentUserID := c.GetInt("user_id")

	rows, err := h.db.Query(`
		SELECT u.id, u.username, u.display_name, u.avatar_url
		FROM friends f
		JOIN users u ON u.id = CASE WHEN f.user_id = ? THEN f.friend_id ELSE f.user_id END
		WHERE (f.user_id = ? OR f.friend_id = ?) AND f.status = 'accepted' AND u.deleted_at IS NULL
		ORDER BY u.username
	`, currentUserID, currentUserID, currentUserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch friends"})
		return
	}
	defer rows.Close()

	type Friend struct {
		ID          int     `json:"id"`
		Username    string  `json:"username"`
		DisplayName *string `json:"display_name,omitempty"`
		AvatarURL   *string `json:"avatar_url,omitempty"`
		IsOnline    bool    `json:"is_online"`
	}

	friends := []Friend{}
	for rows.Next() {
		var f Friend
		if err := rows.Scan(&f.ID, &f.Username, &f.DisplayName, &f.AvatarURL); err != nil {
			continue
		}
		f.IsOnline = h.online != nil && h.online.IsUserOnline(f.ID)
		friends = append(friends, f)
	}

	c.JSON(http.StatusOK, gin.H{"friends": friends})
}

// Pending returns friend requests awaiting the caller's response.
func (h *FriendHandler) Pending(c *gin.Context) {
	currentUserID := c.GetInt("user_id")

	rows, err := h.db.Query(`
		SELECT f.user_id, u.username, u.display_name, u.avatar_url, f.created_at
		FROM friends f
		JOIN users u ON u.id = f.user_id
		WHERE f.friend_id = ? AND f.status = 'pending' AND u.deleted_at IS NULL
		ORDER BY f.created_at DESC
	`, currentUserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch requests"})
		return
	}
	defer rows.Close()

	type Request struct {
		UserID      int     `json:"user_id"`
		Username    string  `json:"username"`
		DisplayName *string `json:"display_name,omitempty"`
		AvatarURL   *string `json:"avatar_url,omitempty"`
		CreatedAt   string  `json:"created_at"`
	}

	requests := []Request{}
	for rows.Next() {
		var r Request
		if err := rows.Scan(&r.UserID, &r.Username, &r.DisplayName, &r.AvatarURL, &r.CreatedAt); err != nil {
			continue
		}
		requests = append(requests, r)
	}

	c.JSON(http.StatusOK, gin.H{"requests": requests})
}

// Sent returns the caller's outgoing requests still awaiting a response.
func (h *FriendHandler) Sent(c *gin.Context) {
	currentUserID := c.GetInt("user_id")

	rows, err := h.db.Query(`
		SELECT f.friend_id, u.username, u.display_name, u.avatar_url, f.created_at
		FROM friends f
		JOIN users u ON u.id = f.friend_id
		WHERE f.user_id = ? AND f.status = 'pending' AND u.deleted_at IS NULL
		ORDER BY f.created_at DESC
	`, currentUserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch requests"})
		return
	}
	defer rows.Close()

	type Request struct {
		UserID      int     `json:"user_id"`
		Username    string  `json:"username"`
		DisplayName *string `json:"display_name,omitempty"`
		AvatarURL   *string `json:"avatar_url,omitempty"`
		CreatedAt   string  `json:"created_at"`
	}

	requests := []Request{}
	for rows.Next() {
		var r Request
		if err := rows.Scan(&r.UserID, &r.Username, &r.DisplayName, &r.AvatarURL, &r.CreatedAt); err != nil {
			continue
		}
		requests = append(requests, r)
	}

	c.JSON(http.StatusOK, gin.H{"requests": requests})
}

// AreFriends reports whether two users have an accepted friendship. Used by
// the posts handler for friends-only visibility.
func AreFriends(db *sql.DB, a, b int) (bool, error) {
	var exists bool
	err := db.QueryRow(`
		SELECT EXISTS(
			SELECT 1 FROM friends
			WHERE status = 'accepted'
			  AND ((user_id = ? AND friend_id = ?) OR (user_id = ? AND friend_id = ?))
		)
	`, a, b, b, a).Scan(&exists)
	return exists, err
}
