package handlers

import (
	"database/sql"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/commune-app/commune/internal/models"
)

type UserHandler struct {
	db     *sql.DB
	online OnlineChecker
	files  *FileStore
}

func NewUserHandler(db *sql.DB, online OnlineChecker, files *FileStore) *UserHandler {
	return &UserHandler{db: db, online: online, files: files}
}

// GetMyProfile returns the current user's profile
func (h *UserHandler) GetMyProfile(c *gin.Context) {
	currentUserID := c.GetInt("user_id")

	var user models.User
	err := h.db.QueryRow(`
		SELECT id, username, display_name, avatar_url, created_at
		FROM users WHERE id = ? AND deleted_at IS NULL
	`, currentUserID).Scan(&user.ID, &user.Username, &user.DisplayName, &user.AvatarURL, &user.CreatedAt)

	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch profile"})
		return
	}

	c.JSON(http.StatusOK, user)
}

// GetUserProfile retrieves public user profile
func (h *UserHandler) GetUserProfile(c *gin.Context) {
	username := strings.TrimSpace(c.Param("username"))
	if username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username required"})
		return
	}

	var user models.User
	err := h.db.QueryRow(`
		SELECT id, username, display_name, avatar_url, created_at
		FROM users WHERE username = ? AND deleted_at IS NULL
	`, username).Scan(&user.ID, &user.Username, &user.DisplayName, &user.AvatarURL, &user.CreatedAt)

	if err != nil {
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch user"})
		return
	}

	isOnline := h.online != nil && h.online.IsUserOnline(user.ID)
	c.JSON(http.StatusOK, gin.H{
		"id":           user.ID,
		"username":     user.Username,
		"display_name": user.DisplayName,
		"avatar_url":   user.AvatarURL,
		"is_online":    isOnline,
		"created_at":   user.CreatedAt,
	})
}

// GetUsers retrieves a list of users except the current user, optionally
// filtered by search query
func (h *UserHandler) GetUsers(c *gin.Context) {
	currentUserID := c.GetInt("user_id")
	searchQuery := strings.TrimSpace(c.Query("q"))

	var rows *sql.Rows
	var err error

	if searchQuery != "" {
		rows, err = h.db.Query(`
			SELECT id, username, display_name, avatar_url, created_at FROM users
			WHERE id != ? AND deleted_at IS NULL AND (username LIKE ? OR display_name LIKE ?)
			ORDER BY username LIMIT 20
		`, currentUserID, "%"+searchQuery+"%", "%"+searchQuery+"%")
	} else {
		rows, err = h.db.Query(`
			SELECT id, username, display_name, avatar_url, created_at FROM users
			WHERE id != ? AND deleted_at IS NULL ORDER BY username LIMIT 20
		`, currentUserID)
	}

	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch users"})
		return
	}
	defer rows.Close()

	type UserWithOnline struct {
		ID          int     `json:"id"`
		Username    string  `json:"username"`
		DisplayName *string `json:"display_name,omitempty"`
		AvatarURL   *string `json:"avatar_url,omitempty"`
		IsOnline    bool    `json:"is_online"`
	}

	users := []UserWithOnline{}
	for rows.Next() {
		var user models.User
		if err := rows.Scan(&user.ID, &user.Username, &user.DisplayName, &user.AvatarURL, &user.CreatedAt); err != nil {
			continue
		}
		users = append(users, UserWithOnline{
			ID:          user.ID,
			Username:    user.Username,
			DisplayName: user.DisplayName,
			AvatarURL:   user.AvatarURL,
			IsOnline:    h.online != nil && h.online.IsUserOnline(user.ID),
		})
	}

	c.JSON(http.StatusOK, users)
}

// UpdateProfile updates the current user's profile
func (h *UserHandler) UpdateProfile(c *gin.Context) {
	currentUserID := c.GetInt("user_id")

	var req struct {
		DisplayName string `json:"display_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if len(req.DisplayName) > 64 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "display name must be at most 64 characters"})
		return
	}

	var display any
	if req.DisplayName != "" {
		display = req.DisplayName
	}

	if _, err := h.db.Exec(`
		UPDATE users SET display_name = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, display, currentUserID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update profile"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "updated", "display_name": req.DisplayName})
}

// UploadAvatar handles avatar image uploads
func (h *UserHandler) UploadAvatar(c *gin.Context) {
	currentUserID := c.GetInt("user_id")

	_, header, err := c.Request.FormFile("avatar")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "avatar file is required"})
		return
	}

	contentType := header.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file must be an image"})
		return
	}

	// Avatars get a tighter limit than general uploads
	if header.Size > 2*1024*1024 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "avatar must be smaller than 2MB"})
		return
	}

	avatarURL, err := h.files.Save(c, header)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save avatar"})
		return
	}

	if _, err := h.db.Exec(`
		UPDATE users SET avatar_url = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, avatarURL, currentUserID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update avatar"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"avatar_url": avatarURL})
}

// DeleteAccount soft-deletes the current user's account. The username is
// recycled so it can be registered again.
func (h *UserHandler) DeleteAccount(c *gin.Context) {
	currentUserID := c.GetInt("user_id")

	recycled := "deleted_" + strconv.Itoa(currentUserID) + "_" + strconv.FormatInt(time.Now().Unix(), 10)
	if _, err := h.db.Exec(`
		UPDATE users
		SET deleted_at = CURRENT_TIMESTAMP, username = ?, display_name = NULL, avatar_url = NULL
		WHERE id = ? AND deleted_at IS NULL
	`, recycled, currentUserID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete account"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
