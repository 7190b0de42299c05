package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/SherClockHolmes/webpush-go"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// PushSubscription is one user's stored browser push endpoint.
type PushSubscription struct {
	ID     primitive.ObjectID   `bson:"_id,omitempty"`
	UserID primitive.ObjectID   `bson:"userId"`
	Sub    webpush.Subscription `bson:"sub"`
}

// SubscriptionSource looks up a user's push endpoint, if any.
type SubscriptionSource interface {
	Get(ctx context.Context, userID primitive.ObjectID) (*webpush.Subscription, error)
	Save(ctx context.Context, userID primitive.ObjectID, sub webpush.Subscription) error
}

// MongoSubscriptions stores push subscriptions upserted per user.
type MongoSubscriptions struct {
	coll *mongo.Collection
}

func NewMongoSubscriptions(db *mongo.Database) *MongoSubscriptions {
	return &MongoSubscriptions{coll: db.Collection("push_subscriptions")}
}

func (m *MongoSubscriptions) Get(ctx context.Context, userID primitive.ObjectID) (*webpush.Subscription, error) {
	var sub PushSubscription
	err := m.coll.FindOne(ctx, bson.M{"userId": userID}).Decode(&sub)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub.Sub, nil
}

func (m *MongoSubscriptions) Save(ctx context.Context, userID primitive.ObjectID, sub webpush.Subscription) error {
	_, err := m.coll.UpdateOne(ctx,
		bson.M{"userId": userID},
		bson.M{"$set": PushSubscription{UserID: userID, Sub: sub}},
		options.Update().SetUpsert(true),
	)
	return err
}

// WebPush delivers best-effort browser push messages. Failures are logged,
// never propagated: push is an auxiliary channel, the in-app log is the
// source of truth.
type WebPush struct {
	subs            SubscriptionSource
	subscriber      string
	vapidPublicKey  string
	vapidPrivateKey string
	logger          *slog.Logger
}

func NewWebPush(subs SubscriptionSource, subscriber, vapidPublic, vapidPrivate string) *WebPush {
	return &WebPush{
		subs:            subs,
		subscriber:      subscriber,
		vapidPublicKey:  vapidPublic,
		vapidPrivateKey: vapidPrivate,
		logger:          slog.Default(),
	}
}

type pushPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Icon  string `json:"icon,omitempty"`
	Link  string `json:"link,omitempty"`
}

func (w *WebPush) Send(ctx context.Context, userID primitive.ObjectID, title, body, icon, link string) {
	sub, err := w.subs.Get(ctx, userID)
	if err != nil {
		w.logger.Warn("push subscription lookup failed", "user", userID.Hex(), "err", err)
		return
	}
	if sub == nil {
		return
	}

	payload, _ := json.Marshal(pushPayload{Title: title, Body: body, Icon: icon, Link: link})
	resp, err := webpush.SendNotification(payload, sub, &webpush.Options{
		Subscriber:      w.subscriber,
		VAPIDPublicKey:  w.vapidPublicKey,
		VAPIDPrivateKey: w.vapidPrivateKey,
		TTL:             30,
	})
	if err != nil {
		w.logger.Warn("push send failed", "user", userID.Hex(), "err", err)
		return
	}
	resp.Body.Close()
}
