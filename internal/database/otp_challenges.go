package database

import (
	"context"
	"fmt"

	"cloudbudgetguard/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ChallengeRepo stores the live OTP challenge per email.
type ChallengeRepo struct {
	col *mongo.Collection
}

func NewChallengeRepo(db *mongo.Database) *ChallengeRepo {
	return &ChallengeRepo{col: db.Collection(OTPChallengesCollection)}
}

// Replace installs c as the only challenge for its email, resetting attempts.
func (r *ChallengeRepo) Replace(ctx context.Context, c *models.OTPChallenge) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	update := bson.M{"$set": bson.M{
		"secret":    c.Secret,
		"attempts":  0,
		"expiresAt": c.ExpiresAt,
		"createdAt": c.CreatedAt,
	}}
	if _, err := r.col.UpdateOne(ctx, bson.M{"email": c.Email}, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("replace otp challenge: %w", err)
	}
	return nil
}

func (r *ChallengeRepo) Find(ctx context.Context, email string) (*models.OTPChallenge, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var c models.OTPChallenge
	if err := r.col.FindOne(ctx, bson.M{"email": email}).Decode(&c); err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// IncrementAttempts records a wrong code and returns the new attempt count.
func (r *ChallengeRepo) IncrementAttempts(ctx context.Context, email string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var c models.OTPChallenge
	err := r.col.FindOneAndUpdate(ctx, bson.M{"email": email}, bson.M{"$inc": bson.M{"attempts": 1}}, opts).Decode(&c)
	if err != nil {
		return 0, notFound(err)
	}
	return c.Attempts, nil
}

func (r *ChallengeRepo) Delete(ctx context.Context, email string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.col.DeleteOne(ctx, bson.M{"email": email}); err != nil {
		return fmt.Errorf("delete otp challenge: %w", err)
	}
	return nil
}

// Consume deletes the challenge for email if it still carries secret. A
// challenge already consumed or replaced yields ErrNotFound.
func (r *ChallengeRepo) Consume(ctx context.Context, email, secret string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.col.DeleteOne(ctx, bson.M{"email": email, "secret": secret})
	if err != nil {
		return fmt.Errorf("consume otp challenge: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}
