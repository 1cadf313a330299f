package raffel

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Store is the pluggable persistence port used by the cache, rate-limit,
// and session middleware. Implementations must be safe for concurrent use.
// A ttl of zero means no expiry.
type Store interface {
	Get(ctx context.Context, key string) (any, bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

type memoryEntry struct {
	value     any
	expiresAt time.Time // zero means no expiry
}

// MemoryStore is the default in-process Store: an LRU bounded at
// maxEntries with per-entry TTLs checked on read.
type MemoryStore struct {
	mu  sync.Mutex
	lru *lru.Cache[string, memoryEntry]
}

// DefaultStoreEntries bounds the default in-memory store.
const DefaultStoreEntries = 4096

// NewMemoryStore creates a MemoryStore holding at most maxEntries values.
func NewMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = DefaultStoreEntries
	}
	cache, _ := lru.New[string, memoryEntry](maxEntries)
	return &MemoryStore{lru: cache}
}

func (s *MemoryStore) Get(_ context.Context, key string) (any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		s.lru.Remove(key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.mu.Lock()
	s.lru.Add(key, e)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	s.lru.Remove(key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	s.lru.Purge()
	s.mu.Unlock()
	return nil
}

// EventStore persists at-least-once events between receipt and successful
// dispatch, so a configured durable backend can survive restarts. The
// in-memory default provides the contract without durability.
type EventStore interface {
	Append(ctx context.Context, env *Envelope) error
	Ack(ctx context.Context, id string) error
	Pending(ctx context.Context) ([]*Envelope, error)
}

// MemoryEventStore is the in-process EventStore default.
type MemoryEventStore struct {
	mu      sync.Mutex
	pending map[string]*Envelope
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{pending: make(map[string]*Envelope)}
}

func (s *MemoryEventStore) Append(_ context.Context, env *Envelope) error {
	s.mu.Lock()
	s.pending[env.ID] = env
	s.mu.Unlock()
	return nil
}

func (s *MemoryEventStore) Ack(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryEventStore) Pending(_ context.Context) ([]*Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Envelope, 0, len(s.pending))
	for _, env := range s.pending {
		out = append(out, env)
	}
	return out, nil
}
