package database

import (
	"context"
	"fmt"
	"time"

	"cloudbudgetguard/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// PhoneVerificationRepo stores WhatsApp phone verification records,
// unique per (userId, phone).
type PhoneVerificationRepo struct {
	col *mongo.Collection
}

func NewPhoneVerificationRepo(db *mongo.Database) *PhoneVerificationRepo {
	return &PhoneVerificationRepo{col: db.Collection(PhoneVerificationsCollection)}
}

// Start (re)opens verification of phone for userID with a fresh secret.
func (r *PhoneVerificationRepo) Start(ctx context.Context, userID primitive.ObjectID, phone, secret string, expiresAt, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	update := bson.M{
		"$set": bson.M{
			"secret":    secret,
			"attempts":  0,
			"expiresAt": expiresAt,
		},
		"$unset":       bson.M{"verifiedAt": ""},
		"$setOnInsert": bson.M{"createdAt": now},
	}
	filter := bson.M{"userId": userID, "phone": phone}
	if _, err := r.col.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("start phone verification: %w", err)
	}
	return nil
}

func (r *PhoneVerificationRepo) Find(ctx context.Context, userID primitive.ObjectID, phone string) (*models.PhoneVerification, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var v models.PhoneVerification
	if err := r.col.FindOne(ctx, bson.M{"userId": userID, "phone": phone}).Decode(&v); err != nil {
		return nil, notFound(err)
	}
	return &v, nil
}

// ReserveAttempt counts one confirmation attempt while fewer than max have
// been made and returns the new count. When the record is gone or max is
// reached it returns ErrNotFound.
func (r *PhoneVerificationRepo) ReserveAttempt(ctx context.Context, userID primitive.ObjectID, phone string, max int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	filter := bson.M{"userId": userID, "phone": phone, "attempts": bson.M{"$lt": max}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var v models.PhoneVerification
	err := r.col.FindOneAndUpdate(ctx, filter, bson.M{"$inc": bson.M{"attempts": 1}}, opts).Decode(&v)
	if err != nil {
		return 0, notFound(err)
	}
	return v.Attempts, nil
}

// MarkVerified drops the secret and expiry so the record persists past the TTL sweep.
func (r *PhoneVerificationRepo) MarkVerified(ctx context.Context, userID primitive.ObjectID, phone string, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	update := bson.M{
		"$set":   bson.M{"verifiedAt": now},
		"$unset": bson.M{"secret": "", "expiresAt": ""},
	}
	res, err := r.col.UpdateOne(ctx, bson.M{"userId": userID, "phone": phone}, update)
	if err != nil {
		return fmt.Errorf("mark phone verified: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}
