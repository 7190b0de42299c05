package models

import "go.mongodb.org/mongo-driver/bson/primitive"

// MessageKind is the payload type of a message.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindVoice    MessageKind = "voice"
	KindEmojiBig MessageKind = "emoji-big"
)

// MessageStatus is derived from the conversation's read markers, never stored
// on the message row itself.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// ReplySnapshot is a denormalized copy of the quoted message, frozen at reply
// time. It is not a live reference; later changes to the original never touch it.
type ReplySnapshot struct {
	MessageID  primitive.ObjectID `bson:"messageId" json:"messageId"`
	SenderID   primitive.ObjectID `bson:"senderId" json:"senderId"`
	SenderName string             `bson:"senderName" json:"senderName"`
	Body       string             `bson:"body" json:"body"`
	Kind       MessageKind        `bson:"kind" json:"kind"`
}

// Reaction is one user's single active emoji on a message. Re-reacting
// overwrites; the (message, user) pair is the identity.
type Reaction struct {
	UserID primitive.ObjectID `bson:"userId" json:"userId"`
	Emoji  string             `bson:"emoji" json:"emoji"`
	SetAt  int64              `bson:"setAt" json:"setAt"` // unix millis, first-set time kept on overwrite
}

// Message is immutable once visible in the ordered stream except for the
// reactions side-table. Body holds text, or the resolved media URL for
// image/voice kinds.
type Message struct {
	ID             primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	ConversationID primitive.ObjectID `bson:"conversationId" json:"conversationId"`
	SenderID       primitive.ObjectID `bson:"senderId" json:"senderId"`
	Kind           MessageKind        `bson:"kind" json:"kind"`
	Body           string             `bson:"body" json:"body"`
	ReplyTo        *ReplySnapshot     `bson:"replyTo,omitempty" json:"replyTo,omitempty"`
	Duration       int                `bson:"duration,omitempty" json:"duration,omitempty"` // seconds, voice only
	Reactions      []Reaction         `bson:"reactions,omitempty" json:"reactions,omitempty"`
	CreatedAt      int64              `bson:"createdAt" json:"createdAt"` // unix millis, store-assigned
	Status         MessageStatus      `bson:"-" json:"status,omitempty"`
}
