package handlers

import (
	"net/http"
	"strings"

	"tably/chat"
	"tably/models"
	"tably/store"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func GetMessages(c *gin.Context) {
	convID, err := primitive.ObjectIDFromHex(c.Param("conversationId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid conversation ID"})
		return
	}

	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	ctx, cancel := opContext()
	defer cancel()

	conv, err := requireConversationAccess(c, ctx, convID, userID)
	if err != nil {
		return
	}

	msgs, err := chatStore.ListMessages(ctx, convID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch messages"})
		return
	}

	response := make([]map[string]interface{}, len(msgs))
	for i, m := range msgs {
		summary := chat.AggregateReactions(m.Reactions)
		response[i] = map[string]interface{}{
			"id":        m.ID.Hex(),
			"senderId":  m.SenderID.Hex(),
			"kind":      m.Kind,
			"body":      m.Body,
			"replyTo":   m.ReplyTo,
			"duration":  m.Duration,
			"reactions": m.Reactions,
			"reactionSummary": map[string]interface{}{
				"distinct": summary.DistinctOrdered,
				"total":    summary.TotalCount,
			},
			"createdAt": m.CreatedAt,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"conversationId": conv.ID.Hex(),
		"messages":       response,
	})
}

func SendMessage(c *gin.Context) {
	var req struct {
		ConversationID string                `json:"conversationId" binding:"required"`
		Body           string                `json:"body" binding:"required"`
		Kind           models.MessageKind    `json:"kind"`
		ReplyTo        *models.ReplySnapshot `json:"replyTo"`
		Duration       int                   `json:"duration"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	convID, err := primitive.ObjectIDFromHex(req.ConversationID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid conversation ID"})
		return
	}

	body := strings.TrimSpace(req.Body)
	if body == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Empty message"})
		return
	}

	kind := req.Kind
	if kind == "" {
		kind = models.KindText
	}
	if kind == models.KindText && chat.IsBigEmoji(body) {
		kind = models.KindEmojiBig
	}

	ctx, cancel := opContext()
	defer cancel()

	conv, err := requireConversationAccess(c, ctx, convID, userID)
	if err != nil {
		return
	}

	msg, err := chatStore.AppendMessage(ctx, convID, store.MessageDraft{
		SenderID: userID,
		Kind:     kind,
		Body:     body,
		ReplyTo:  req.ReplyTo,
		Duration: req.Duration,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to send message"})
		return
	}

	notifyParticipants(conv, userID, msg)

	c.JSON(http.StatusCreated, gin.H{
		"message": "Message sent",
		"id":      msg.ID.Hex(),
	})
}

// notifyParticipants fans a message notification out to everyone else in a
// direct conversation. Room messages generate no notifications.
func notifyParticipants(conv models.Conversation, senderID primitive.ObjectID, msg models.Message) {
	if conv.Kind != models.ScopeDirect || producer == nil {
		return
	}

	go func() {
		ctx, cancel := opContext()
		defer cancel()

		sender := loadUser(ctx, senderID)
		senderName := sender.Name
		if senderName == "" {
			senderName = "Someone"
		}

		body := msg.Body
		switch msg.Kind {
		case models.KindImage:
			body = "Sent a photo"
		case models.KindVoice:
			body = "Sent a voice message"
		}
		if len(body) > 100 {
			body = body[:100] + "..."
		}

		for _, participantID := range conv.Participants {
			if participantID == senderID {
				continue
			}
			producer.Notify(ctx, models.Notification{
				OwnerID:    participantID,
				Type:       models.NotifyMessage,
				Title:      senderName + " sent a message",
				Message:    body,
				FromID:     senderID,
				FromName:   senderName,
				FromAvatar: sender.Avatar,
				Target:     "/chats/" + conv.ID.Hex(),
			})
		}
	}()
}

func ReactToMessage(c *gin.Context) {
	var req struct {
		ConversationID string `json:"conversationId" binding:"required"`
		MessageID      string `json:"messageId" binding:"required"`
		Emoji          string `json:"emoji"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	convID, err := primitive.ObjectIDFromHex(req.ConversationID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid conversation ID"})
		return
	}
	msgID, err := primitive.ObjectIDFromHex(req.MessageID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid message ID"})
		return
	}

	ctx, cancel := opContext()
	defer cancel()

	if _, err := requireConversationAccess(c, ctx, convID, userID); err != nil {
		return
	}

	if err := chatStore.SetReaction(ctx, convID, msgID, userID, req.Emoji); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to set reaction"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Reaction updated"})
}

// MarkConversationRead advances the caller's read marker. Individual message
// rows are never rewritten.
func MarkConversationRead(c *gin.Context) {
	convID, err := primitive.ObjectIDFromHex(c.Param("conversationId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid conversation ID"})
		return
	}

	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	ctx, cancel := opContext()
	defer cancel()

	if _, err := requireConversationAccess(c, ctx, convID, userID); err != nil {
		return
	}

	if err := chatStore.MarkConversationRead(ctx, convID, userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to mark as read"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Marked as read"})
}

func SendTypingIndicator(c *gin.Context) {
	var req struct {
		ConversationID string `json:"conversationId" binding:"required"`
		IsTyping       bool   `json:"isTyping"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	convID, err := primitive.ObjectIDFromHex(req.ConversationID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid conversation ID"})
		return
	}

	ctx, cancel := opContext()
	defer cancel()

	if _, err := requireConversationAccess(c, ctx, convID, userID); err != nil {
		return
	}

	if err := chatStore.SetTyping(ctx, convID, userID, req.IsTyping); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update typing state"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Typing state updated"})
}
