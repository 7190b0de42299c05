package handlers

import (
	"context"
	"errors"
	"net/http"

	"tably/database"
	"tably/models"
	"tably/store"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// requireConversationAccess loads the conversation and enforces membership
// for direct scopes. Rooms are open to any authenticated user. On failure it
// writes the HTTP error itself and returns a non-nil error.
func requireConversationAccess(c *gin.Context, ctx context.Context, convID, userID primitive.ObjectID) (models.Conversation, error) {
	var conv models.Conversation
	err := database.DB.Collection("conversations").FindOne(ctx, bson.M{"_id": convID}).Decode(&conv)
	if err == mongo.ErrNoDocuments {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		return conv, err
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load conversation"})
		return conv, err
	}
	if conv.Kind == models.ScopeDirect {
		member := false
		for _, p := range conv.Participants {
			if p == userID {
				member = true
				break
			}
		}
		if !member {
			c.JSON(http.StatusForbidden, gin.H{"error": "Access denied to conversation"})
			return conv, errAccessDenied
		}
	}
	return conv, nil
}

var errAccessDenied = errors.New("access denied")

func GetConversationList(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	ctx, cancel := opContext()
	defer cancel()

	convsColl := database.DB.Collection("conversations")

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "participants", Value: userID}}}},
		{{Key: "$sort", Value: bson.D{{Key: "lastMessageAt", Value: -1}}}},
		{{Key: "$lookup", Value: bson.D{
			{Key: "from", Value: "users"},
			{Key: "localField", Value: "participants"},
			{Key: "foreignField", Value: "_id"},
			{Key: "as", Value: "participantsProfiles"},
		}}},
		{{Key: "$addFields", Value: bson.D{
			{Key: "partner", Value: bson.D{
				{Key: "$arrayElemAt", Value: bson.A{
					bson.D{{Key: "$filter", Value: bson.D{
						{Key: "input", Value: "$participantsProfiles"},
						{Key: "as", Value: "p"},
						{Key: "cond", Value: bson.D{{Key: "$ne", Value: bson.A{"$$p._id", userID}}}},
					}}},
					0,
				}},
			}},
		}}},
		{{Key: "$project", Value: bson.D{
			{Key: "id", Value: "$_id"},
			{Key: "kind", Value: 1},
			{Key: "lastMessage", Value: 1},
			{Key: "lastMessageAt", Value: 1},
			{Key: "readMarkers", Value: 1},
			{Key: "partner", Value: bson.D{
				{Key: "id", Value: "$partner._id"},
				{Key: "name", Value: "$partner.name"},
				{Key: "avatar", Value: "$partner.avatar"},
			}},
		}}},
	}

	cursor, err := convsColl.Aggregate(ctx, pipeline)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch conversations"})
		return
	}
	defer cursor.Close(ctx)

	var results []bson.M
	if err := cursor.All(ctx, &results); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to decode conversations"})
		return
	}

	// Partner is always a valid object with fallback values.
	response := make([]map[string]interface{}, len(results))
	for i, r := range results {
		partnerMap := map[string]interface{}{
			"id":     "",
			"name":   "Unknown",
			"avatar": fallbackAvatar,
		}
		if p, ok := r["partner"].(bson.M); ok && p != nil {
			if id, _ := p["_id"].(primitive.ObjectID); id != primitive.NilObjectID {
				partnerMap["id"] = id.Hex()
			}
			if name, _ := p["name"].(string); name != "" {
				partnerMap["name"] = name
			}
			if avatar, _ := p["avatar"].(string); avatar != "" {
				partnerMap["avatar"] = avatar
			}
		}

		response[i] = map[string]interface{}{
			"id":            r["id"],
			"kind":          r["kind"],
			"lastMessage":   r["lastMessage"],
			"lastMessageAt": r["lastMessageAt"],
			"readMarkers":   r["readMarkers"],
			"partner":       partnerMap,
		}
	}

	c.JSON(http.StatusOK, response)
}

// OpenConversation resolves (creating if needed) the conversation for a
// direct peer or a room. Creation is idempotent: both sides of a pair land on
// the same document no matter who asks first.
func OpenConversation(c *gin.Context) {
	var req struct {
		PeerID string `json:"peerId"`
		RoomID string `json:"roomId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var scope store.Scope
	switch {
	case req.RoomID != "":
		scope = store.RoomScope(req.RoomID)
	case req.PeerID != "":
		peerID, err := primitive.ObjectIDFromHex(req.PeerID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid peer ID"})
			return
		}
		if peerID == userID {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot open a conversation with yourself"})
			return
		}
		scope = store.DirectScope(userID, peerID)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "peerId or roomId is required"})
		return
	}

	ctx, cancel := opContext()
	defer cancel()

	conv, err := chatStore.GetOrCreateConversation(ctx, scope)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to open conversation"})
		return
	}

	c.JSON(http.StatusOK, conv)
}

func GetConversation(c *gin.Context) {
	convID, err := primitive.ObjectIDFromHex(c.Param("id"))
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

	c.JSON(http.StatusOK, conv)
}
