package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tably/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const mongoOpTimeout = 10 * time.Second

// Mongo adapts the MongoDB collaborator to the MessageStore and
// NotificationStore contracts. Every mutation that goes through this adapter
// triggers a re-read of the affected snapshot which is fanned out to
// subscribers, so delivery is full-snapshot, at-least-once.
type Mongo struct {
	conversations *mongo.Collection
	messages      *mongo.Collection
	notifications *mongo.Collection
	logger        *slog.Logger

	mu        sync.Mutex
	nextSub   int
	msgSubs   map[primitive.ObjectID]map[int]MessageBatchFunc
	convSubs  map[primitive.ObjectID]map[int]ConversationFunc
	notifSubs map[primitive.ObjectID]map[int]NotificationBatchFunc
}

func NewMongo(db *mongo.Database, logger *slog.Logger) *Mongo {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mongo{
		conversations: db.Collection("conversations"),
		messages:      db.Collection("messages"),
		notifications: db.Collection("notifications"),
		logger:        logger,
		msgSubs:       make(map[primitive.ObjectID]map[int]MessageBatchFunc),
		convSubs:      make(map[primitive.ObjectID]map[int]ConversationFunc),
		notifSubs:     make(map[primitive.ObjectID]map[int]NotificationBatchFunc),
	}
}

// EnsureIndexes creates the indexes the adapter's contract depends on, most
// importantly the unique pair key that makes direct-conversation creation
// idempotent under concurrent first contact.
func (s *Mongo) EnsureIndexes(ctx context.Context) error {
	_, err := s.conversations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "pairKey", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true),
		},
		{
			Keys:    bson.D{{Key: "roomId", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true),
		},
	})
	if err != nil {
		return &WriteError{Op: "ensureIndexes", Err: err}
	}
	_, err = s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "createdAt", Value: 1}},
	})
	if err != nil {
		return &WriteError{Op: "ensureIndexes", Err: err}
	}
	_, err = s.notifications.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "ownerId", Value: 1}, {Key: "createdAt", Value: -1}},
	})
	if err != nil {
		return &WriteError{Op: "ensureIndexes", Err: err}
	}
	return nil
}

func (s *Mongo) GetOrCreateConversation(ctx context.Context, scope Scope) (models.Conversation, error) {
	now := time.Now().UnixMilli()

	var filter bson.M
	insert := bson.M{"kind": scope.Kind, "createdAt": now, "lastMessageAt": now}
	if scope.Kind == models.ScopeRoom {
		filter = bson.M{"roomId": scope.RoomID}
		insert["roomId"] = scope.RoomID
	} else {
		filter = bson.M{"pairKey": scope.PairKey()}
		insert["pairKey"] = scope.PairKey()
		insert["participants"] = scope.Participants()
	}

	// Upsert on the deterministic key: concurrent resolution from two
	// clients converges on one document, the unique index backstops the race.
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var conv models.Conversation
	err := s.conversations.FindOneAndUpdate(ctx, filter, bson.M{"$setOnInsert": insert}, opts).Decode(&conv)
	if err != nil {
		return models.Conversation{}, &WriteError{Op: "getOrCreateConversation", Err: err}
	}
	return conv, nil
}

func (s *Mongo) AppendMessage(ctx context.Context, conversationID primitive.ObjectID, draft MessageDraft) (models.Message, error) {
	msg := models.Message{
		ID:             primitive.NewObjectID(),
		ConversationID: conversationID,
		SenderID:       draft.SenderID,
		Kind:           draft.Kind,
		Body:           draft.Body,
		ReplyTo:        draft.ReplyTo,
		Duration:       draft.Duration,
		CreatedAt:      time.Now().UnixMilli(),
	}

	if _, err := s.messages.InsertOne(ctx, msg); err != nil {
		return models.Message{}, &WriteError{Op: "appendMessage", Err: err}
	}

	// Denormalized conversation summary. Not critical: the message is in.
	_, err := s.conversations.UpdateOne(ctx,
		bson.M{"_id": conversationID},
		bson.M{"$set": bson.M{"lastMessage": draft.Body, "lastMessageAt": msg.CreatedAt}},
	)
	if err != nil {
		s.logger.Warn("update conversation summary failed", "conversation", conversationID.Hex(), "err", err)
	}

	s.publishMessages(conversationID)
	return msg, nil
}

func (s *Mongo) ListMessages(ctx context.Context, conversationID primitive.ObjectID) ([]models.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.messages.Find(ctx, bson.M{"conversationId": conversationID}, opts)
	if err != nil {
		return nil, &ReadError{Op: "listMessages", Err: err}
	}
	defer cursor.Close(ctx)

	var msgs []models.Message
	if err := cursor.All(ctx, &msgs); err != nil {
		return nil, &ReadError{Op: "listMessages", Err: err}
	}
	return msgs, nil
}

func (s *Mongo) SubscribeMessages(conversationID primitive.ObjectID, fn MessageBatchFunc) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	if s.msgSubs[conversationID] == nil {
		s.msgSubs[conversationID] = make(map[int]MessageBatchFunc)
	}
	s.msgSubs[conversationID][id] = fn
	s.mu.Unlock()

	// Initial snapshot so the subscriber becomes ready even on an empty
	// conversation.
	go s.deliverMessages(conversationID, []MessageBatchFunc{fn})

	return func() {
		s.mu.Lock()
		delete(s.msgSubs[conversationID], id)
		s.mu.Unlock()
	}
}

func (s *Mongo) SubscribeConversation(conversationID primitive.ObjectID, fn ConversationFunc) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	if s.convSubs[conversationID] == nil {
		s.convSubs[conversationID] = make(map[int]ConversationFunc)
	}
	s.convSubs[conversationID][id] = fn
	s.mu.Unlock()

	go s.deliverConversation(conversationID, []ConversationFunc{fn})

	return func() {
		s.mu.Lock()
		delete(s.convSubs[conversationID], id)
		s.mu.Unlock()
	}
}

func (s *Mongo) SetReaction(ctx context.Context, conversationID, messageID, userID primitive.ObjectID, emoji string) error {
	filter := bson.M{"_id": messageID, "conversationId": conversationID}

	if emoji == "" {
		_, err := s.messages.UpdateOne(ctx, filter,
			bson.M{"$pull": bson.M{"reactions": bson.M{"userId": userID}}})
		if err != nil {
			return &WriteError{Op: "setReaction", Err: err}
		}
		s.publishMessages(conversationID)
		return nil
	}

	// Overwrite the user's existing reaction in place; the key includes the
	// user id so no merge conflict is possible.
	res, err := s.messages.UpdateOne(ctx,
		bson.M{"_id": messageID, "conversationId": conversationID, "reactions.userId": userID},
		bson.M{"$set": bson.M{"reactions.$.emoji": emoji}},
	)
	if err != nil {
		return &WriteError{Op: "setReaction", Err: err}
	}
	if res.MatchedCount == 0 {
		reaction := models.Reaction{UserID: userID, Emoji: emoji, SetAt: time.Now().UnixMilli()}
		res, err = s.messages.UpdateOne(ctx, filter, bson.M{"$push": bson.M{"reactions": reaction}})
		if err != nil {
			return &WriteError{Op: "setReaction", Err: err}
		}
		if res.MatchedCount == 0 {
			return &WriteError{Op: "setReaction", Err: errNoMessage}
		}
	}

	s.publishMessages(conversationID)
	return nil
}

func (s *Mongo) MarkConversationRead(ctx context.Context, conversationID, userID primitive.ObjectID) error {
	res, err := s.conversations.UpdateOne(ctx,
		bson.M{"_id": conversationID},
		bson.M{"$set": bson.M{"readMarkers." + userID.Hex(): time.Now().UnixMilli()}},
	)
	if err != nil {
		return &WriteError{Op: "markConversationRead", Err: err}
	}
	if res.MatchedCount == 0 {
		return &WriteError{Op: "markConversationRead", Err: errNoConversation}
	}
	s.publishConversation(conversationID)
	return nil
}

func (s *Mongo) SetTyping(ctx context.Context, conversationID, userID primitive.ObjectID, isTyping bool) error {
	flag := models.TypingFlag{IsTyping: isTyping, SetAt: time.Now().UnixMilli()}
	res, err := s.conversations.UpdateOne(ctx,
		bson.M{"_id": conversationID},
		bson.M{"$set": bson.M{"typing." + userID.Hex(): flag}},
	)
	if err != nil {
		return &WriteError{Op: "setTyping", Err: err}
	}
	if res.MatchedCount == 0 {
		return &WriteError{Op: "setTyping", Err: errNoConversation}
	}
	s.publishConversation(conversationID)
	return nil
}

// --- notification log ---

func (s *Mongo) Append(ctx context.Context, n models.Notification) (models.Notification, error) {
	n.ID = primitive.NewObjectID()
	if n.CreatedAt == 0 {
		n.CreatedAt = time.Now().UnixMilli()
	}
	if _, err := s.notifications.InsertOne(ctx, n); err != nil {
		return models.Notification{}, &WriteError{Op: "appendNotification", Err: err}
	}
	s.publishNotifications(n.OwnerID)
	return n, nil
}

func (s *Mongo) List(ctx context.Context, ownerID primitive.ObjectID) ([]models.Notification, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}})
	cursor, err := s.notifications.Find(ctx, bson.M{"ownerId": ownerID}, opts)
	if err != nil {
		return nil, &ReadError{Op: "listNotifications", Err: err}
	}
	defer cursor.Close(ctx)

	var out []models.Notification
	if err := cursor.All(ctx, &out); err != nil {
		return nil, &ReadError{Op: "listNotifications", Err: err}
	}
	return out, nil
}

func (s *Mongo) Subscribe(ownerID primitive.ObjectID, fn NotificationBatchFunc) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	if s.notifSubs[ownerID] == nil {
		s.notifSubs[ownerID] = make(map[int]NotificationBatchFunc)
	}
	s.notifSubs[ownerID][id] = fn
	s.mu.Unlock()

	go s.deliverNotifications(ownerID, []NotificationBatchFunc{fn})

	return func() {
		s.mu.Lock()
		delete(s.notifSubs[ownerID], id)
		s.mu.Unlock()
	}
}

func (s *Mongo) MarkRead(ctx context.Context, ownerID primitive.ObjectID, ids []primitive.ObjectID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.notifications.UpdateMany(ctx,
		bson.M{"ownerId": ownerID, "_id": bson.M{"$in": ids}},
		bson.M{"$set": bson.M{"isRead": true}},
	)
	if err != nil {
		return &WriteError{Op: "markNotificationsRead", Err: err}
	}
	s.publishNotifications(ownerID)
	return nil
}

func (s *Mongo) DeleteAll(ctx context.Context, ownerID primitive.ObjectID) error {
	if _, err := s.notifications.DeleteMany(ctx, bson.M{"ownerId": ownerID}); err != nil {
		return &WriteError{Op: "deleteNotifications", Err: err}
	}
	s.publishNotifications(ownerID)
	return nil
}

// --- snapshot fan-out ---

func (s *Mongo) publishMessages(conversationID primitive.ObjectID) {
	s.mu.Lock()
	subs := make([]MessageBatchFunc, 0, len(s.msgSubs[conversationID]))
	for _, fn := range s.msgSubs[conversationID] {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	if len(subs) == 0 {
		return
	}
	go s.deliverMessages(conversationID, subs)
}

func (s *Mongo) deliverMessages(conversationID primitive.ObjectID, subs []MessageBatchFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), mongoOpTimeout)
	defer cancel()

	msgs, err := s.ListMessages(ctx, conversationID)
	if err != nil {
		s.logger.Warn("message snapshot read failed", "conversation", conversationID.Hex(), "err", err)
		for _, fn := range subs {
			fn(nil, err)
		}
		return
	}
	for _, fn := range subs {
		batch := make([]models.Message, len(msgs))
		copy(batch, msgs)
		fn(batch, nil)
	}
}

func (s *Mongo) publishConversation(conversationID primitive.ObjectID) {
	s.mu.Lock()
	subs := make([]ConversationFunc, 0, len(s.convSubs[conversationID]))
	for _, fn := range s.convSubs[conversationID] {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	if len(subs) == 0 {
		return
	}
	go s.deliverConversation(conversationID, subs)
}

func (s *Mongo) deliverConversation(conversationID primitive.ObjectID, subs []ConversationFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), mongoOpTimeout)
	defer cancel()

	var conv models.Conversation
	err := s.conversations.FindOne(ctx, bson.M{"_id": conversationID}).Decode(&conv)
	if err != nil {
		s.logger.Warn("conversation snapshot read failed", "conversation", conversationID.Hex(), "err", err)
		for _, fn := range subs {
			fn(models.Conversation{}, &ReadError{Op: "subscribeConversation", Err: err})
		}
		return
	}
	for _, fn := range subs {
		fn(conv, nil)
	}
}

func (s *Mongo) publishNotifications(ownerID primitive.ObjectID) {
	s.mu.Lock()
	subs := make([]NotificationBatchFunc, 0, len(s.notifSubs[ownerID]))
	for _, fn := range s.notifSubs[ownerID] {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	if len(subs) == 0 {
		return
	}
	go s.deliverNotifications(ownerID, subs)
}

func (s *Mongo) deliverNotifications(ownerID primitive.ObjectID, subs []NotificationBatchFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), mongoOpTimeout)
	defer cancel()

	list, err := s.List(ctx, ownerID)
	if err != nil {
		for _, fn := range subs {
			fn(nil, err)
		}
		return
	}
	for _, fn := range subs {
		batch := make([]models.Notification, len(list))
		copy(batch, list)
		fn(batch, nil)
	}
}
