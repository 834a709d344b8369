package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloudbudgetguard/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore keeps one document per key in the rate_limits collection. The
// collection needs a unique index on key and a TTL index on resetAt.
type MongoStore struct {
	col *mongo.Collection
}

func NewMongoStore(col *mongo.Collection) *MongoStore {
	return &MongoStore{col: col}
}

// Hit runs a single upserting findAndModify whose update is an aggregation
// pipeline, so reset, deny and increment are decided server-side against the
// current document and the before-image comes back in the same round trip.
func (s *MongoStore) Hit(ctx context.Context, key string, limit int, resetAt, now time.Time) (*models.RateLimitWindow, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.Before)

	prev, err := s.hit(ctx, key, hitPipeline(limit, resetAt, now), opts)
	// Two first hits on a new key can race on the upsert; the loser finds
	// the winner's document on the second pass.
	if mongo.IsDuplicateKeyError(err) {
		prev, err = s.hit(ctx, key, hitPipeline(limit, resetAt, now), opts)
	}
	return prev, err
}

func (s *MongoStore) hit(ctx context.Context, key string, pipeline mongo.Pipeline, opts *options.FindOneAndUpdateOptions) (*models.RateLimitWindow, error) {
	var prev models.RateLimitWindow
	err := s.col.FindOneAndUpdate(ctx, bson.D{{Key: "key", Value: key}}, pipeline, opts).Decode(&prev)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hit %s: %w", key, err)
	}
	return &prev, nil
}

// hitPipeline mirrors decide. All expressions in one $set stage read the
// document as it was before the stage.
func hitPipeline(limit int, resetAt, now time.Time) mongo.Pipeline {
	expired := bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "$eq", Value: bson.A{bson.D{{Key: "$ifNull", Value: bson.A{"$resetAt", nil}}}, nil}}},
		bson.D{{Key: "$lte", Value: bson.A{"$resetAt", now}}},
	}}}
	full := bson.D{{Key: "$gte", Value: bson.A{"$count", limit}}}
	increment := bson.D{{Key: "$add", Value: bson.A{"$count", 1}}}

	return mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "count", Value: bson.D{{Key: "$cond", Value: bson.A{
				expired,
				1,
				bson.D{{Key: "$cond", Value: bson.A{full, "$count", increment}}},
			}}}},
			{Key: "resetAt", Value: bson.D{{Key: "$cond", Value: bson.A{expired, resetAt, "$resetAt"}}}},
			{Key: "createdAt", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$createdAt", now}}}},
		}}},
	}
}
