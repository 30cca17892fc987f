package store

import (
	"context"
	"sync"
	"time"

	"fieldbook/internal/models"
)

// MemoryStore keeps documents in process memory. It is the store of tests and of
// single-instance deployments without a database.
type MemoryStore struct {
	mu          sync.RWMutex
	docs        map[string]models.Document
	conditional bool
}

type MemoryOption func(*MemoryStore)

// WithoutConditionalWrites makes the store ignore write conditions, emulating a
// backend that only supports blind overwrites.
func WithoutConditionalWrites() MemoryOption {
	return func(s *MemoryStore) {
		s.conditional = false
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		docs:        make(map[string]models.Document),
		conditional: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func memoryKey(collection, key string) string {
	return collection + "\x00" + key
}

func (s *MemoryStore) Get(ctx context.Context, collection, key string) (*models.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	doc, ok := s.docs[memoryKey(collection, key)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	doc.Data = append([]byte(nil), doc.Data...)
	return &doc, nil
}

func (s *MemoryStore) Put(ctx context.Context, collection, key string, data []byte, cond models.WriteCondition) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := memoryKey(collection, key)
	current, exists := s.docs[k]
	if s.conditional && cond.Check {
		if (!exists && cond.Version != 0) || (exists && current.Version != cond.Version) {
			return 0, ErrVersionConflict
		}
	}

	next := models.Document{
		Collection: collection,
		Key:        key,
		Version:    current.Version + 1,
		Data:       append([]byte(nil), data...),
		UpdatedAt:  time.Now(),
	}
	s.docs[k] = next
	return next.Version, nil
}

func (s *MemoryStore) ConditionalWrites() bool {
	return s.conditional
}

func (s *MemoryStore) Close() error {
	return nil
}
