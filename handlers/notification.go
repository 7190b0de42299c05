package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func GetNotifications(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	ctx, cancel := opContext()
	defer cancel()

	items, err := chatStore.List(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch notifications"})
		return
	}

	unread := 0
	for _, n := range items {
		if !n.IsRead {
			unread++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"notifications": items,
		"unread":        unread,
	})
}

func MarkNotificationsRead(c *gin.Context) {
	var req struct {
		IDs []string `json:"ids" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	ids := make([]primitive.ObjectID, 0, len(req.IDs))
	for _, raw := range req.IDs {
		id, err := primitive.ObjectIDFromHex(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid notification ID"})
			return
		}
		ids = append(ids, id)
	}

	ctx, cancel := opContext()
	defer cancel()

	if err := chatStore.MarkRead(ctx, userID, ids); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to mark notifications read"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Notifications marked read"})
}

// MarkAllNotificationsRead snapshots the ids unread right now and flips them
// in one batch. A notification arriving between snapshot and write stays
// unread.
func MarkAllNotificationsRead(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	ctx, cancel := opContext()
	defer cancel()

	items, err := chatStore.List(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch notifications"})
		return
	}

	var ids []primitive.ObjectID
	for _, n := range items {
		if !n.IsRead {
			ids = append(ids, n.ID)
		}
	}
	if len(ids) == 0 {
		c.JSON(http.StatusOK, gin.H{"message": "Nothing to mark", "updatedCount": 0})
		return
	}

	if err := chatStore.MarkRead(ctx, userID, ids); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to mark notifications read"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "All notifications marked read", "updatedCount": len(ids)})
}

func DeleteAllNotifications(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	ctx, cancel := opContext()
	defer cancel()

	if err := chatStore.DeleteAll(ctx, userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete notifications"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Notifications deleted"})
}
