package database

import (
	"context"
	"fmt"
	"time"

	"cloudbudgetguard/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// LoginTokenRepo stores hashed single-use login tokens.
type LoginTokenRepo struct {
	col *mongo.Collection
}

func NewLoginTokenRepo(db *mongo.Database) *LoginTokenRepo {
	return &LoginTokenRepo{col: db.Collection(LoginTokensCollection)}
}

func (r *LoginTokenRepo) Insert(ctx context.Context, t *models.LoginToken) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.col.InsertOne(ctx, t); err != nil {
		return fmt.Errorf("insert login token: %w", err)
	}
	return nil
}

// Consume marks the token used in the same round trip that checks it is
// unused and unexpired, so a token can never be redeemed twice.
func (r *LoginTokenRepo) Consume(ctx context.Context, tokenHash string, now time.Time) (*models.LoginToken, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	filter := bson.M{
		"tokenHash": tokenHash,
		"usedAt":    bson.M{"$exists": false},
		"expiresAt": bson.M{"$gt": now},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var t models.LoginToken
	if err := r.col.FindOneAndUpdate(ctx, filter, bson.M{"$set": bson.M{"usedAt": now}}, opts).Decode(&t); err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}
