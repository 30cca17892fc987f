package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"fieldbook/internal/models"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each document in a hash {version, data, updated_at}.
// Conditional writes use WATCH/MULTI on the document key.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "fieldbook"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) docKey(collection, key string) string {
	return fmt.Sprintf("%s:doc:%s:%s", s.prefix, collection, key)
}

func (s *RedisStore) Get(ctx context.Context, collection, key string) (*models.Document, error) {
	if s.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}

	values, err := s.client.HGetAll(ctx, s.docKey(collection, key)).Result()
	if err != nil {
		return nil, classifyRedis("get document", err)
	}
	if len(values) == 0 {
		return nil, ErrNotFound
	}

	version, err := strconv.ParseInt(values["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt document version %q: %w", values["version"], err)
	}
	updatedAt, _ := time.Parse(time.RFC3339Nano, values["updated_at"])

	return &models.Document{
		Collection: collection,
		Key:        key,
		Version:    version,
		Data:       []byte(values["data"]),
		UpdatedAt:  updatedAt,
	}, nil
}

func (s *RedisStore) Put(ctx context.Context, collection, key string, data []byte, cond models.WriteCondition) (int64, error) {
	if s.client == nil {
		return 0, fmt.Errorf("redis client is nil")
	}
	k := s.docKey(collection, key)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	if !cond.Check {
		var incr *redis.IntCmd
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			incr = pipe.HIncrBy(ctx, k, "version", 1)
			pipe.HSet(ctx, k, "data", data, "updated_at", now)
			return nil
		})
		if err != nil {
			return 0, classifyRedis("put document", err)
		}
		return incr.Val(), nil
	}

	var next int64
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, k, "version").Int64()
		if errors.Is(err, redis.Nil) {
			current = 0
		} else if err != nil {
			return err
		}
		if current != cond.Version {
			return ErrVersionConflict
		}

		next = current + 1
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, k, "version", next, "data", data, "updated_at", now)
			return nil
		})
		return err
	}, k)

	switch {
	case err == nil:
		return next, nil
	case errors.Is(err, ErrVersionConflict), errors.Is(err, redis.TxFailedErr):
		return 0, ErrVersionConflict
	default:
		return 0, classifyRedis("put document", err)
	}
}

// classifyRedis treats everything that is not a server reply as a transport failure.
func classifyRedis(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var replyErr redis.Error
	if errors.As(err, &replyErr) {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

func (s *RedisStore) ConditionalWrites() bool {
	return true
}

// Close leaves the shared client open; its owner closes it.
func (s *RedisStore) Close() error {
	return nil
}
