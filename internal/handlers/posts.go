package handlers

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/commune-app/commune/internal/models"
)

type PostHandler struct {
	db       *sql.DB
	notifier Notifier
}

func NewPostHandler(db *sql.DB, notifier Notifier) *PostHandler {
	return &PostHandler{db: db, notifier: notifier}
}

type CreatePostRequest struct {
	Content    string   `json:"content"`
	MediaURLs  []string `json:"media_urls"`
	Visibility string   `json:"visibility"`
}

// CreatePost publishes a new post.
func (h *PostHandler) CreatePost(c *gin.Context) {
	currentUserID := c.GetInt("user_id")

	var req CreatePostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" && len(req.MediaURLs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "post requires content or media"})
		return
	}

	switch req.Visibility {
	case "":
		req.Visibility = models.VisibilityPublic
	case models.VisibilityPublic, models.VisibilityFriends, models.VisibilityPrivate:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid visibility"})
		return
	}

	if req.MediaURLs == nil {
		req.MediaURLs = []string{}
	}
	mediaJSON, _ := json.Marshal(req.MediaURLs)

	var content any
	if req.Content != "" {
		content = req.Content
	}

	result, err := h.db.Exec(`
		INSERT INTO posts (user_id, content, media_urls, visibility) VALUES (?, ?, ?, ?)
	`, currentUserID, content, string(mediaJSON), req.Visibility)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create post"})
		return
	}

	id, _ := result.LastInsertId()
	post, err := h.getPost(int(id))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch post"})
		return
	}

	c.JSON(http.StatusCreated, post)
}

// GetFeed returns posts visible to the caller: their own, public posts, and
// friends-only posts from accepted friends.
func (h *PostHandler) GetFeed(c *gin.Context) {
	currentUserID := c.GetInt("user_id")
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	if page <= 0 {
		page = 1
	}

	rows, err := h.db.Query(`
		SELECT p.id, p.user_id, p.content, p.media_urls, p.visibility, p.comments_count,
		       p.created_at, p.updated_at
		FROM posts p
		JOIN users u ON u.id = p.user_id
		WHERE p.deleted_at IS NULL AND u.deleted_at IS NULL
		  AND (
			p.user_id = ?
			OR p.visibility = 'public'
			OR (p.visibility = 'friends' AND EXISTS (
				SELECT 1 FROM friends f
				WHERE f.status = 'accepted'
				  AND ((f.user_id = ? AND f.friend_id = p.user_id)
				    OR (f.user_id = p.user_id AND f.friend_id = ?))
			))
		  )
		ORDER BY p.created_at DESC, p.id DESC
		LIMIT ? OFFSET ?
	`, currentUserID, currentUserID, currentUserID, pageSize, (page-1)*pageSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch feed"})
		return
	}
	defer rows.Close()

	posts := []models.Post{}
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to scan post"})
			return
		}
		posts = append(posts, *post)
	}

	c.JSON(http.StatusOK, gin.H{"posts": posts})
}

// GetUserPosts returns one user's posts, filtered to what the caller may see.
func (h *PostHandler) GetUserPosts(c *gin.Context) {
	currentUserID := c.GetInt("user_id")
	username := strings.TrimSpace(c.Param("username"))

	var targetID int
	err := h.db.QueryRow(
		"SELECT id FROM users WHERE username = ? AND deleted_at IS NULL", username,
	).Scan(&targetID)
	if err != nil {
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch user"})
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	if page <= 0 {
		page = 1
	}

	visibility := "p.visibility = 'public'"
	if targetID == currentUserID {
		visibility = "1 = 1"
	} else {
		friends, err := AreFriends(h.db, currentUserID, targetID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check friendship"})
			return
		}
		if friends {
			visibility = "p.visibility IN ('public', 'friends')"
		}
	}

	rows, err := h.db.Query(`
		SELECT p.id, p.user_id, p.content, p.media_urls, p.visibility, p.comments_count,
		       p.created_at, p.updated_at
		FROM posts p
		WHERE p.user_id = ? AND p.deleted_at IS NULL AND `+visibility+`
		ORDER BY p.created_at DESC, p.id DESC
		LIMIT ? OFFSET ?
	`, targetID, pageSize, (page-1)*pageSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch posts"})
		return
	}
	defer rows.Close()

	posts := []models.Post{}
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to scan post"})
			return
		}
		posts = append(posts, *post)
	}

	c.JSON(http.StatusOK, gin.H{"posts": posts})
}

// GetPost returns one post if it is visible to the caller.
func (h *PostHandler) GetPost(c *gin.Context) {
	currentUserID := c.GetInt("user_id")

	postID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid post id"})
		return
	}

	post, err := h.getPost(postID)
	if err != nil {
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "post not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch post"})
		return
	}

	visible, err := h.canView(post, currentUserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check visibility"})
		return
	}
	if !visible {
		c.JSON(http.StatusNotFound, gin.H{"error": "post not found"})
		return
	}

	c.JSON(http.StatusOK, post)
}

// UpdatePost edits the caller's own post.
func (h *PostHandler) UpdatePost(c *gin.Context) {
	currentUserID := c.GetInt("user_id")

	postID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid post id"})
		return
	}

	var req CreatePostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" && len(req.MediaURLs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "post requires content or media"})
		return
	}
	switch req.Visibility {
	case "":
		req.Visibility = models.VisibilityPublic
	case models.VisibilityPublic, models.VisibilityFriends, models.VisibilityPrivate:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid visibility"})
		return
	}

	if req.MediaURLs == nil {
		req.MediaURLs = []string{}
	}
	mediaJSON, _ := json.Marshal(req.MediaURLs)

	var content any
	if req.Content != "" {
		content = req.Content
	}

	result, err := h.db.Exec(`
		UPDATE posts
		SET content = ?, media_urls = ?, visibility = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ? AND deleted_at IS NULL
	`, content, string(mediaJSON), req.Visibility, postID, currentUserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update post"})
		return
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "post not found"})
		return
	}

	post, err := h.getPost(postID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch post"})
		return
	}
	c.JSON(http.StatusOK, post)
}

// DeletePost soft-deletes the caller's own post.
func (h *PostHandler) DeletePost(c *gin.Context) {
	currentUserID := c.GetInt("user_id")

	postID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid post id"})
		return
	}

	result, err := h.db.Exec(`
		UPDATE posts SET deleted_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ? AND deleted_at IS NULL
	`, postID, currentUserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete post"})
		return
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "post not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// CreateComment adds a comment to a visible post, bumps the post's comment
// counter, and notifies the post owner.
func (h *PostHandler) CreateComment(c *gin.Context) {
	currentUserID := c.GetInt("user_id")

	postID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid post id"})
		return
	}

	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "comment requires content"})
		return
	}

	post, err := h.getPost(postID)
	if err != nil {
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "post not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch post"})
		return
	}
	visible, err := h.canView(post, currentUserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check visibility"})
		return
	}
	if !visible {
		c.JSON(http.StatusNotFound, gin.H{"error": "post not found"})
		return
	}

	tx, err := h.db.Begin()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create comment"})
		return
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		INSERT INTO comments (post_id, user_id, content) VALUES (?, ?, ?)
	`, postID, currentUserID, req.Content)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create comment"})
		return
	}
	if _, err := tx.Exec(
		"UPDATE posts SET comments_count = comments_count + 1 WHERE id = ?", postID,
	); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create comment"})
		return
	}
	if err := tx.Commit(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create comment"})
		return
	}

	commentID, _ := result.LastInsertId()

	if post.UserID != currentUserID && h.notifier != nil {
		h.notifier.CreateNotification(
			post.UserID, currentUserID, "comment", "post", postID, "commented on your post",
		)
	}

	comment := models.Comment{
		ID:      int(commentID),
		PostID:  postID,
		UserID:  currentUserID,
		Content: req.Content,
	}
	h.db.QueryRow(
		"SELECT created_at FROM comments WHERE id = ?", commentID,
	).Scan(&comment.CreatedAt)

	c.JSON(http.StatusCreated, comment)
}

// GetComments lists a post's comments, oldest first, with author info.
func (h *PostHandler) GetComments(c *gin.Context) {
	currentUserID := c.GetInt("user_id")

	postID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid post id"})
		return
	}

	post, err := h.getPost(postID)
	if err != nil {
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "post not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch post"})
		return
	}
	visible, err := h.canView(post, currentUserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check visibility"})
		return
	}
	if !visible {
		c.JSON(http.StatusNotFound, gin.H{"error": "post not found"})
		return
	}

	rows, err := h.db.Query(`
		SELECT cm.id, cm.post_id, cm.user_id, cm.content, cm.created_at, u.username, u.display_name
		FROM comments cm
		JOIN users u ON u.id = cm.user_id
		WHERE cm.post_id = ? AND cm.deleted_at IS NULL
		ORDER BY cm.created_at, cm.id
	`, postID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch comments"})
		return
	}
	defer rows.Close()

	comments := []models.Comment{}
	for rows.Next() {
		var cm models.Comment
		if err := rows.Scan(&cm.ID, &cm.PostID, &cm.UserID, &cm.Content, &cm.CreatedAt,
			&cm.Username, &cm.DisplayName); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to scan comment"})
			return
		}
		comments = append(comments, cm)
	}

	c.JSON(http.StatusOK, gin.H{"comments": comments})
}

// DeleteComment soft-deletes a comment. The comment author or the post owner
// may delete it.
func (h *PostHandler) DeleteComment(c *gin.Context) {
	currentUserID := c.GetInt("user_id")

	commentID, err := strconv.Atoi(c.Param("commentID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid comment id"})
		return
	}

	var authorID, postOwnerID, postID int
	err = h.db.QueryRow(`
		SELECT cm.user_id, p.user_id, p.id
		FROM comments cm
		JOIN posts p ON p.id = cm.post_id
		WHERE cm.id = ? AND cm.deleted_at IS NULL
	`, commentID).Scan(&authorID, &postOwnerID, &postID)
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, gin.H{"error": "comment not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch comment"})
		return
	}

	if authorID != currentUserID && postOwnerID != currentUserID {
		c.JSON(http.StatusForbidden, gin.H{"error": "cannot delete this comment"})
		return
	}

	tx, err := h.db.Begin()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete comment"})
		return
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"UPDATE comments SET deleted_at = CURRENT_TIMESTAMP WHERE id = ?", commentID,
	); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete comment"})
		return
	}
	if _, err := tx.Exec(
		"UPDATE posts SET comments_count = MAX(comments_count - 1, 0) WHERE id = ?", postID,
	); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete comment"})
		return
	}
	if err := tx.Commit(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete comment"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h *PostHandler) getPost(id int) (*models.Post, error) {
	row := h.db.QueryRow(`
		SELECT id, user_id, content, media_urls, visibility, comments_count, created_at, updated_at
		FROM posts WHERE id = ? AND deleted_at IS NULL
	`, id)
	return scanPost(row)
}

func (h *PostHandler) canView(post *models.Post, viewerID int) (bool, error) {
	if post.UserID == viewerID || post.Visibility == models.VisibilityPublic {
		return true, nil
	}
	if post.Visibility == models.VisibilityPrivate {
		return false, nil
	}
	return AreFriends(h.db, post.UserID, viewerID)
}

func scanPost(row rowScanner) (*models.Post, error) {
	post := &models.Post{}
	var content sql.NullString
	var mediaJSON string
	if err := row.Scan(&post.ID, &post.UserID, &content, &mediaJSON, &post.Visibility,
		&post.CommentsCount, &post.CreatedAt, &post.UpdatedAt); err != nil {
		return nil, err
	}
	if content.Valid {
		post.Content = &content.String
	}
	post.MediaURLs = []string{}
	json.Unmarshal([]byte(mediaJSON), &post.MediaURLs)
	return post, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}
