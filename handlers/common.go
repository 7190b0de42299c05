package handlers

import (
	"context"
	"net/http"
	"time"

	"tably/database"
	"tably/media"
	"tably/models"
	"tably/notify"
	"tably/store"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Common constants and collaborators shared across all handler files
const fallbackAvatar = "https://upload.wikimedia.org/wikipedia/commons/8/89/Portrait_Placeholder.png"

var (
	chatStore *store.Mongo
	producer  *notify.Producer
	uploads   *media.Pipeline
	pushSubs  notify.SubscriptionSource
)

// Setup wires the handler package to its collaborators. Called once from main.
func Setup(st *store.Mongo, p *notify.Producer, up *media.Pipeline, subs notify.SubscriptionSource) {
	chatStore = st
	producer = p
	uploads = up
	pushSubs = subs
}

// currentUserID reads the authenticated user id set by the JWT middleware.
func currentUserID(c *gin.Context) (primitive.ObjectID, bool) {
	userID, err := primitive.ObjectIDFromHex(c.GetString("userId"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid user ID"})
		return primitive.NilObjectID, false
	}
	return userID, true
}

// loadUser fetches a user document, tolerating missing users with zero values.
func loadUser(ctx context.Context, id primitive.ObjectID) models.User {
	var user models.User
	database.Users.FindOne(ctx, bson.M{"_id": id}).Decode(&user)
	return user
}

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}
