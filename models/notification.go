package models

import "go.mongodb.org/mongo-driver/bson/primitive"

type NotificationType string

const (
	NotifyMessage    NotificationType = "message"
	NotifyReaction   NotificationType = "reaction"
	NotifyInvitation NotificationType = "invitation"
	NotifyFollow     NotificationType = "follow"
)

// Notification is a user-scoped append-only record. The read flag flips once
// via mark-as-read; the owner may bulk-delete.
type Notification struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	OwnerID   primitive.ObjectID `bson:"ownerId" json:"ownerId"`
	Type      NotificationType   `bson:"type" json:"type"`
	Title     string             `bson:"title" json:"title"`
	Message   string             `bson:"message" json:"message"`
	FromID    primitive.ObjectID `bson:"fromId,omitempty" json:"fromId,omitempty"`
	FromName  string             `bson:"fromName,omitempty" json:"fromName,omitempty"`
	FromAvatar string            `bson:"fromAvatar,omitempty" json:"fromAvatar,omitempty"`
	Target    string             `bson:"target,omitempty" json:"target,omitempty"` // deep-link, e.g. /chats/<id>
	IsRead    bool               `bson:"isRead" json:"isRead"`
	CreatedAt int64              `bson:"createdAt" json:"createdAt"`
}
