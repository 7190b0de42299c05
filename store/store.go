package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tably/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

var (
	errNoConversation = errors.New("conversation not found")
	errNoMessage      = errors.New("message not found")
)

// WriteError reports a failed mutation. The whole mutation either committed
// or it didn't; no partial-success state is exposed. The adapter never
// retries; idempotency is the caller's job via optimistic-entry
// reconciliation.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *WriteError) Unwrap() error { return e.Err }

// ReadError reports a failed read or a broken subscription.
type ReadError struct {
	Op  string
	Err error
}

func (e *ReadError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *ReadError) Unwrap() error { return e.Err }

// Scope addresses a conversation: a direct participant pair or a room.
type Scope struct {
	Kind   models.ScopeKind
	UserA  primitive.ObjectID
	UserB  primitive.ObjectID
	RoomID string
}

func DirectScope(a, b primitive.ObjectID) Scope {
	return Scope{Kind: models.ScopeDirect, UserA: a, UserB: b}
}

func RoomScope(roomID string) Scope {
	return Scope{Kind: models.ScopeRoom, RoomID: roomID}
}

// PairKey is the deterministic identity of a direct conversation: the two
// participant ids in sorted order. Two clients resolving the same pair
// concurrently converge on the same key, and a unique index on it turns the
// lookup-then-create race into an idempotent upsert.
func (s Scope) PairKey() string {
	a, b := s.UserA.Hex(), s.UserB.Hex()
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// Participants returns the sorted participant set for a direct scope.
func (s Scope) Participants() []primitive.ObjectID {
	a, b := s.UserA, s.UserB
	if strings.Compare(b.Hex(), a.Hex()) < 0 {
		a, b = b, a
	}
	return []primitive.ObjectID{a, b}
}

// MessageDraft is the caller-supplied part of a message. The store assigns
// id and created-at at append time.
type MessageDraft struct {
	SenderID primitive.ObjectID
	Kind     models.MessageKind
	Body     string
	ReplyTo  *models.ReplySnapshot
	Duration int
}

// MessageBatchFunc receives the full ordered snapshot of a conversation's
// messages on every observed mutation. Delivery is at-least-once and may
// replay an identical snapshot; consumers must be idempotent against repeats.
// A non-nil error means the subscription itself failed; the batch is nil.
type MessageBatchFunc func(batch []models.Message, err error)

// ConversationFunc receives the conversation document (typing map, read
// markers) on every observed change to it.
type ConversationFunc func(doc models.Conversation, err error)

// MessageStore is the only surface through which the messaging core touches
// the persistent log collaborator.
type MessageStore interface {
	// GetOrCreateConversation resolves the conversation for a scope,
	// creating it idempotently on first contact.
	GetOrCreateConversation(ctx context.Context, scope Scope) (models.Conversation, error)

	// AppendMessage persists a draft. The returned message carries the
	// store-assigned id and creation timestamp.
	AppendMessage(ctx context.Context, conversationID primitive.ObjectID, draft MessageDraft) (models.Message, error)

	// ListMessages returns the full ordered snapshot, ascending by
	// creation time with store-assigned id as tiebreak.
	ListMessages(ctx context.Context, conversationID primitive.ObjectID) ([]models.Message, error)

	// SubscribeMessages registers for ordered snapshots. The returned
	// cancel is idempotent.
	SubscribeMessages(conversationID primitive.ObjectID, fn MessageBatchFunc) (cancel func())

	// SubscribeConversation registers for conversation-document pushes.
	SubscribeConversation(conversationID primitive.ObjectID, fn ConversationFunc) (cancel func())

	// SetReaction records a user's single active emoji on a message.
	// Last writer wins per user; an empty emoji clears the reaction.
	SetReaction(ctx context.Context, conversationID, messageID, userID primitive.ObjectID, emoji string) error

	// MarkConversationRead advances the caller's read marker. Individual
	// messages are never rewritten.
	MarkConversationRead(ctx context.Context, conversationID, userID primitive.ObjectID) error

	// SetTyping writes the caller's typing flag into the conversation
	// document. No history is retained.
	SetTyping(ctx context.Context, conversationID, userID primitive.ObjectID, isTyping bool) error
}

// NotificationBatchFunc receives the owner's notification log, newest first.
type NotificationBatchFunc func(batch []models.Notification, err error)

// NotificationStore is the user-scoped notification log collaborator. Same
// ordered-subscribe contract as the message log, scoped by owner instead of
// conversation.
type NotificationStore interface {
	Append(ctx context.Context, n models.Notification) (models.Notification, error)
	List(ctx context.Context, ownerID primitive.ObjectID) ([]models.Notification, error)
	Subscribe(ownerID primitive.ObjectID, fn NotificationBatchFunc) (cancel func())

	// MarkRead flips the read flag on the given ids in one batch.
	MarkRead(ctx context.Context, ownerID primitive.ObjectID, ids []primitive.ObjectID) error
	DeleteAll(ctx context.Context, ownerID primitive.ObjectID) error
}
