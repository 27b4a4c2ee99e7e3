package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/commune-app/commune/internal/notify"
)

type NotificationHandler struct {
	svc            *notify.Service
	vapidPublicKey string
}

func NewNotificationHandler(svc *notify.Service, vapidPublicKey string) *NotificationHandler {
	return &NotificationHandler{svc: svc, vapidPublicKey: vapidPublicKey}
}

// List returns a page of the caller's notifications plus the unread count.
func (h *NotificationHandler) List(c *gin.Context) {
	currentUserID := c.GetInt("user_id")
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	notifications, unread, err := h.svc.List(currentUserID, page, pageSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch notifications"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"notifications": notifications,
		"unread_count":  unread,
	})
}

// UnreadCount returns only the unread notification count.
func (h *NotificationHandler) UnreadCount(c *gin.Context) {
	currentUserID := c.GetInt("user_id")

	count, err := h.svc.UnreadCount(currentUserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count notifications"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"unread_count": count})
}

// MarkRead marks the given notification ids read.
func (h *NotificationHandler) MarkRead(c *gin.Context) {
	currentUserID := c.GetInt("user_id")

	var req struct {
		NotificationIDs []int `json:"notification_ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	marked, err := h.svc.MarkRead(currentUserID, req.NotificationIDs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mark notifications read"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"notifications": marked})
}

// Delete removes the given notification ids.
func (h *NotificationHandler) Delete(c *gin.Context) {
	currentUserID := c.GetInt("user_id")

	var req struct {
		NotificationIDs []int `json:"notification_ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	if err := h.svc.Delete(currentUserID, req.NotificationIDs); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete notifications"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// GetPreferences returns the caller's notification preferences.
func (h *NotificationHandler) GetPreferences(c *gin.Context) {
	currentUserID := c.GetInt("user_id")

	prefs, err := h.svc.Preferences(currentUserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch preferences"})
		return
	}

	c.Data(http.StatusOK, "application/json", prefs)
}

// UpdatePreferences replaces the caller's notification preferences.
func (h *NotificationHandler) UpdatePreferences(c *gin.Context) {
	currentUserID := c.GetInt("user_id")

	body, err := io.ReadAll(c.Request.Body)
	if err != nil || !json.Valid(body) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	prefs, err := h.svc.UpdatePreferences(currentUserID, body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update preferences"})
		return
	}

	c.Data(http.StatusOK, "application/json", prefs)
}

// VAPIDKey exposes the public VAPID key so browsers can subscribe.
func (h *NotificationHandler) VAPIDKey(c *gin.Context) {
	if h.vapidPublicKey == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "push notifications not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"public_key": h.vapidPublicKey})
}

type SubscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
	Keys     struct {
		P256dh string `json:"p256dh" binding:"required"`
		Auth   string `json:"auth" binding:"required"`
	} `json:"keys" binding:"required"`
}

// Subscribe stores a Web Push subscription for the caller.
func (h *NotificationHandler) Subscribe(c *gin.Context) {
	currentUserID := c.GetInt("user_id")

	var req SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid subscription"})
		return
	}

	if err := h.svc.Subscribe(currentUserID, req.Endpoint, req.Keys.P256dh, req.Keys.Auth); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store subscription"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"status": "subscribed"})
}

// Unsubscribe revokes the caller's subscription for an endpoint.
func (h *NotificationHandler) Unsubscribe(c *gin.Context) {
	currentUserID := c.GetInt("user_id")

	var req struct {
		Endpoint string `json:"endpoint" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	if err := h.svc.Unsubscribe(currentUserID, req.Endpoint); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke subscription"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "unsubscribed"})
}
