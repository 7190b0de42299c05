package models

import "go.mongodb.org/mongo-driver/bson/primitive"

// ScopeKind says whether a conversation is a direct pair or a community room.
type ScopeKind string

const (
	ScopeDirect ScopeKind = "direct"
	ScopeRoom   ScopeKind = "room"
)

// TypingFlag is one participant's ephemeral typing state inside the
// conversation document. It lives only as long as the conversation doc and
// carries the time it was last set so stale flags can be decayed client-side.
type TypingFlag struct {
	IsTyping bool  `bson:"isTyping" json:"isTyping"`
	SetAt    int64 `bson:"setAt" json:"setAt"` // unix millis
}

type Conversation struct {
	ID           primitive.ObjectID   `bson:"_id,omitempty" json:"id"`
	Kind         ScopeKind            `bson:"kind" json:"kind"`
	Participants []primitive.ObjectID `bson:"participants" json:"participants"`
	// PairKey is the sorted participant-pair key for direct conversations.
	// A unique index on it makes get-or-create idempotent under races.
	PairKey       string                `bson:"pairKey,omitempty" json:"-"`
	RoomID        string                `bson:"roomId,omitempty" json:"roomId,omitempty"`
	Typing        map[string]TypingFlag `bson:"typing,omitempty" json:"typing,omitempty"`
	ReadMarkers   map[string]int64      `bson:"readMarkers,omitempty" json:"readMarkers,omitempty"` // userID hex -> unix millis
	LastMessage   string                `bson:"lastMessage,omitempty" json:"lastMessage,omitempty"`
	LastMessageAt int64                 `bson:"lastMessageAt" json:"lastMessageAt"`
	CreatedAt     int64                 `bson:"createdAt,omitempty" json:"createdAt,omitempty"`
}
