package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fieldbook/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type mongoDocument struct {
	Key       string    `bson:"_id"`
	Version   int64     `bson:"version"`
	Data      []byte    `bson:"data"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// MongoStore maps every logical collection onto a MongoDB collection of the same
// name; conditional writes filter on the stored version.
type MongoStore struct {
	client  *mongo.Client
	db      *mongo.Database
	timeout time.Duration
}

func ConnectMongo(ctx context.Context, uri string, timeout time.Duration) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return client, nil
}

func NewMongoStore(client *mongo.Client, database string, timeout time.Duration) *MongoStore {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &MongoStore{
		client:  client,
		db:      client.Database(database),
		timeout: timeout,
	}
}

// withTimeout keeps the caller's deadline when it is tighter than the store's.
func (s *MongoStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < s.timeout {
		return context.WithDeadline(ctx, deadline)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *MongoStore) Get(ctx context.Context, collection, key string) (*models.Document, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var rec mongoDocument
	err := s.db.Collection(collection).FindOne(ctx, bson.M{"_id": key}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifyMongo("get document", err)
	}
	return rec.toDocument(collection), nil
}

func (s *MongoStore) Put(ctx context.Context, collection, key string, data []byte, cond models.WriteCondition) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	coll := s.db.Collection(collection)
	now := time.Now().UTC().Truncate(time.Millisecond)

	if !cond.Check {
		opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
		update := bson.M{
			"$set": bson.M{"data": data, "updated_at": now},
			"$inc": bson.M{"version": int64(1)},
		}
		var rec mongoDocument
		if err := coll.FindOneAndUpdate(ctx, bson.M{"_id": key}, update, opts).Decode(&rec); err != nil {
			return 0, classifyMongo("upsert document", err)
		}
		return rec.Version, nil
	}

	if cond.Version == 0 {
		_, err := coll.InsertOne(ctx, mongoDocument{Key: key, Version: 1, Data: data, UpdatedAt: now})
		if mongo.IsDuplicateKeyError(err) {
			return 0, ErrVersionConflict
		}
		if err != nil {
			return 0, classifyMongo("insert document", err)
		}
		return 1, nil
	}

	filter := bson.M{"_id": key, "version": cond.Version}
	update := bson.M{
		"$set": bson.M{"data": data, "updated_at": now, "version": cond.Version + 1},
	}
	result, err := coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return 0, classifyMongo("update document", err)
	}
	if result.MatchedCount == 0 {
		return 0, ErrVersionConflict
	}
	return cond.Version + 1, nil
}

func (r mongoDocument) toDocument(collection string) *models.Document {
	return &models.Document{
		Collection: collection,
		Key:        r.Key,
		Version:    r.Version,
		Data:       r.Data,
		UpdatedAt:  r.UpdatedAt,
	}
}

func classifyMongo(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) || errors.Is(err, mongo.ErrClientDisconnected) {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func (s *MongoStore) ConditionalWrites() bool {
	return true
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}
