package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// User is an account, one per (lowercased) email.
type User struct {
	ID                 primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Email              string             `bson:"email" json:"email"`
	Name               string             `bson:"name,omitempty" json:"name,omitempty"`
	WhatsAppPhone      string             `bson:"whatsappPhone,omitempty" json:"whatsappPhone,omitempty"`
	WhatsAppVerifiedAt *time.Time         `bson:"whatsappVerifiedAt,omitempty" json:"whatsappVerifiedAt,omitempty"`
	CreatedAt          time.Time          `bson:"createdAt" json:"createdAt"`
	LastLoginAt        *time.Time         `bson:"lastLoginAt,omitempty" json:"lastLoginAt,omitempty"`
}
