package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// OTPChallenge is the live one-time-password challenge for an email.
// Secret seeds the time-based code; the code itself is never stored.
type OTPChallenge struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	Email     string             `bson:"email"`
	Secret    string             `bson:"secret"`
	Attempts  int                `bson:"attempts"`
	ExpiresAt time.Time          `bson:"expiresAt"`
	CreatedAt time.Time          `bson:"createdAt"`
}

// LoginToken is a single-use credential exchanged for a session.
type LoginToken struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	TokenHash string             `bson:"tokenHash"`
	UserID    primitive.ObjectID `bson:"userId"`
	Redirect  string             `bson:"redirect,omitempty"`
	ExpiresAt time.Time          `bson:"expiresAt"`
	UsedAt    *time.Time         `bson:"usedAt,omitempty"`
	CreatedAt time.Time          `bson:"createdAt"`
}

// RateLimitWindow is one fixed-window counter. The window is implicitly
// reset on the first access at or after ResetAt.
type RateLimitWindow struct {
	Key       string    `bson:"key"`
	Count     int64     `bson:"count"`
	ResetAt   time.Time `bson:"resetAt"`
	CreatedAt time.Time `bson:"createdAt"`
}

// PhoneVerification tracks a WhatsApp number a user is proving ownership of.
// ExpiresAt is cleared once verified so the TTL index keeps the record.
type PhoneVerification struct {
	ID         primitive.ObjectID `bson:"_id,omitempty"`
	UserID     primitive.ObjectID `bson:"userId"`
	Phone      string             `bson:"phone"`
	Secret     string             `bson:"secret,omitempty"`
	Attempts   int                `bson:"attempts"`
	ExpiresAt  *time.Time         `bson:"expiresAt,omitempty"`
	VerifiedAt *time.Time         `bson:"verifiedAt,omitempty"`
	CreatedAt  time.Time          `bson:"createdAt"`
}
