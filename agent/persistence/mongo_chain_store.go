package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

// MongoChainStore is a MongoDB implementation of ChainStore. One document
// per chain, _id is the correlation id. Replacements are conditioned on
// the document version.
type MongoChainStore struct {
	coll    *mongo.Collection
	cleanup *cleanupLoop
	logger  *zap.Logger
}

var _ ChainStore = (*MongoChainStore)(nil)

// ConnectMongo opens a client for uri and verifies it with a ping.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}
	return client, nil
}

// NewMongoChainStore creates a chain store in db using config.Collection.
func NewMongoChainStore(ctx context.Context, db *mongo.Database, config StoreConfig, logger *zap.Logger) (*MongoChainStore, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: mongo chain store requires a database", ErrInvalidInput)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	name := config.Collection
	if name == "" {
		name = "task_chains"
	}
	coll := db.Collection(name)

	if _, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "updated_at", Value: 1}},
	}); err != nil {
		return nil, fmt.Errorf("failed to create chain index: %w", err)
	}

	s := &MongoChainStore{
		coll:   coll,
		logger: logger.With(zap.String("component", "chain_store"), zap.String("backend", "mongo")),
	}
	s.cleanup = startCleanupLoop(config.Cleanup, s.Cleanup, s.logger)
	return s, nil
}

// Close stops background cleanup; the client is owned by the caller.
func (s *MongoChainStore) Close() error {
	s.cleanup.Stop()
	return nil
}

// Ping checks if the store is healthy
func (s *MongoChainStore) Ping(ctx context.Context) error {
	return s.coll.Database().Client().Ping(ctx, nil)
}

// RecordHop appends a hop to the chain
func (s *MongoChainStore) RecordHop(ctx context.Context, correlationID string, hop HopRecord) (*ChainState, error) {
	if err := validateHop(correlationID, hop); err != nil {
		return nil, err
	}
	if hop.At.IsZero() {
		hop.At = time.Now()
	}

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		chain, err := s.Get(ctx, correlationID)
		if errors.Is(err, ErrNotFound) {
			chain = NewChainState(correlationID, hop.At)
			chain.Apply(hop)
			if _, err := s.coll.InsertOne(ctx, chain); err != nil {
				if mongo.IsDuplicateKeyError(err) {
					continue
				}
				return nil, fmt.Errorf("failed to insert chain: %w", err)
			}
			return chain, nil
		}
		if err != nil {
			return nil, err
		}

		prev := chain.Version
		chain.Apply(hop)
		res, err := s.coll.ReplaceOne(ctx, versionFilter(correlationID, prev), chain)
		if err != nil {
			return nil, fmt.Errorf("failed to replace chain: %w", err)
		}
		if res.MatchedCount == 1 {
			return chain, nil
		}
	}
	return nil, ErrConflict
}

func versionFilter(correlationID string, version int64) bson.D {
	return bson.D{{Key: "_id", Value: correlationID}, {Key: "version", Value: version}}
}

// Get retrieves a chain by correlation id
func (s *MongoChainStore) Get(ctx context.Context, correlationID string) (*ChainState, error) {
	var chain ChainState
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: correlationID}}).Decode(&chain)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &chain, nil
}

// Delete removes a chain
func (s *MongoChainStore) Delete(ctx context.Context, correlationID string) error {
	_, err := s.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: correlationID}})
	return err
}

// Cleanup removes chains not updated within olderThan
func (s *MongoChainStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	res, err := s.coll.DeleteMany(ctx, staleFilter(time.Now().Add(-olderThan)))
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}

func staleFilter(cutoff time.Time) bson.D {
	return bson.D{{Key: "updated_at", Value: bson.D{{Key: "$lt", Value: cutoff}}}}
}
