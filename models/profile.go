package models

import "go.mongodb.org/mongo-driver/bson/primitive"

// Profile is the actor identity supplied by the auth collaborator. A
// conversation session treats it as immutable for its lifetime.
type Profile struct {
	ID       primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Username string             `bson:"username" json:"username"`
	Name     string             `bson:"name" json:"name"`
	Avatar   string             `bson:"avatar" json:"avatar"`
	Bio      string             `bson:"bio,omitempty" json:"bio,omitempty"`
	LastSeen int64              `bson:"lastSeen" json:"lastSeen"`
}

type User struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Email        string             `bson:"email" json:"email"`
	PasswordHash string             `bson:"passwordHash" json:"-"`
	Name         string             `bson:"name" json:"name"`
	Avatar       string             `bson:"avatar" json:"avatar"`
	CreatedAt    int64              `bson:"createdAt" json:"createdAt"`
}
