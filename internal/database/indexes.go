package database

import (
	"context"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// IndexCreator creates a batch of indexes on one collection.
type IndexCreator interface {
	CreateIndexes(ctx context.Context, collection string, models []mongo.IndexModel) error
}

type mongoIndexCreator struct {
	db *mongo.Database
}

// NewIndexCreator returns an IndexCreator backed by db.
func NewIndexCreator(db *mongo.Database) IndexCreator {
	return mongoIndexCreator{db: db}
}

func (c mongoIndexCreator) CreateIndexes(ctx context.Context, collection string, models []mongo.IndexModel) error {
	_, err := c.db.Collection(collection).Indexes().CreateMany(ctx, models)
	return err
}

// Indexes returns the index set of every collection the service owns.
// Each expiry index has expireAfterSeconds=0: documents go when the field's time passes.
func Indexes() map[string][]mongo.IndexModel {
	ttl := func(field string) mongo.IndexModel {
		return mongo.IndexModel{
			Keys:    bson.D{{Key: field, Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		}
	}
	unique := func(keys bson.D) mongo.IndexModel {
		return mongo.IndexModel{Keys: keys, Options: options.Index().SetUnique(true)}
	}

	return map[string][]mongo.IndexModel{
		UsersCollection: {
			unique(bson.D{{Key: "email", Value: 1}}),
		},
		OTPChallengesCollection: {
			unique(bson.D{{Key: "email", Value: 1}}),
			ttl("expiresAt"),
		},
		LoginTokensCollection: {
			unique(bson.D{{Key: "tokenHash", Value: 1}}),
			{Keys: bson.D{{Key: "userId", Value: 1}}},
			ttl("expiresAt"),
		},
		RateLimitsCollection: {
			unique(bson.D{{Key: "key", Value: 1}}),
			ttl("resetAt"),
		},
		PhoneVerificationsCollection: {
			unique(bson.D{{Key: "userId", Value: 1}, {Key: "phone", Value: 1}}),
			ttl("expiresAt"),
		},
		WeeklyReportsCollection: {
			unique(bson.D{{Key: "userId", Value: 1}, {Key: "weekStart", Value: -1}}),
			{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "createdAt", Value: -1}}},
		},
	}
}

// Bootstrapper ensures indexes exist. It is run once at startup; repeated
// calls after a success are no-ops, a failed run may be retried.
type Bootstrapper struct {
	creator IndexCreator
	logger  *zap.Logger

	mu   sync.Mutex
	done bool
}

func NewBootstrapper(creator IndexCreator, logger *zap.Logger) *Bootstrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bootstrapper{creator: creator, logger: logger}
}

// Ensure creates all indexes, one collection per goroutine.
func (b *Bootstrapper) Ensure(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for collection, models := range Indexes() {
		collection, models := collection, models
		g.Go(func() error {
			if err := b.creator.CreateIndexes(gctx, collection, models); err != nil {
				return fmt.Errorf("create indexes on %s: %w", collection, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	b.done = true
	b.logger.Info("Indexes ensured", zap.Int("collections", len(Indexes())))
	return nil
}
