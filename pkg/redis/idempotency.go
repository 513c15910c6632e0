package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// IdempotencyStatus is the state of a request key
type IdempotencyStatus string

const (
	IdempotencyInFlight  IdempotencyStatus = "in_flight"
	IdempotencyCompleted IdempotencyStatus = "completed"
)

// IdempotencyRecord is what a key currently maps to
type IdempotencyRecord struct {
	Status  IdempotencyStatus `json:"status"`
	Payload json.RawMessage   `json:"payload,omitempty"`
}

// IdempotencyStore claims request keys so a retried request replays the
// first result instead of running again
type IdempotencyStore struct {
	client *Client
	prefix string
}

// NewIdempotencyStore creates a Redis-backed store
func NewIdempotencyStore(client *Client, prefix string) *IdempotencyStore {
	if prefix == "" {
		prefix = "idempotency:"
	}
	return &IdempotencyStore{client: client, prefix: prefix}
}

// Begin claims key. When claimed is false, existing holds the record of
// the earlier request.
func (s *IdempotencyStore) Begin(ctx context.Context, key string, ttl time.Duration) (existing *IdempotencyRecord, claimed bool, err error) {
	inFlight, _ := json.Marshal(IdempotencyRecord{Status: IdempotencyInFlight})

	ok, err := s.client.SetNX(ctx, s.prefix+key, inFlight, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	if ok {
		return nil, true, nil
	}

	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, Nil) {
		// expired between SETNX and GET
		return s.Begin(ctx, key, ttl)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read idempotency key: %w", err)
	}

	var record IdempotencyRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, false, fmt.Errorf("corrupt idempotency record: %w", err)
	}
	return &record, false, nil
}

// Complete stores the final payload for key
func (s *IdempotencyStore) Complete(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	raw, err := json.Marshal(IdempotencyRecord{Status: IdempotencyCompleted, Payload: payload})
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.prefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to complete idempotency key: %w", err)
	}
	return nil
}

// Abandon releases key so the request may be retried
func (s *IdempotencyStore) Abandon(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

// MemoryIdempotencyStore is a process-local IdempotencyStore
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	records map[string]memoryRecord
	now     func() time.Time
}

type memoryRecord struct {
	record    IdempotencyRecord
	expiresAt time.Time
}

// NewMemoryIdempotencyStore creates a process-local store
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		records: make(map[string]memoryRecord),
		now:     time.Now,
	}
}

func (s *MemoryIdempotencyStore) Begin(ctx context.Context, key string, ttl time.Duration) (*IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if r, exists := s.records[key]; exists && now.Before(r.expiresAt) {
		cp := r.record
		return &cp, false, nil
	}
	s.records[key] = memoryRecord{
		record:    IdempotencyRecord{Status: IdempotencyInFlight},
		expiresAt: now.Add(ttl),
	}
	return nil, true, nil
}

func (s *MemoryIdempotencyStore) Complete(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = memoryRecord{
		record:    IdempotencyRecord{Status: IdempotencyCompleted, Payload: append([]byte(nil), payload...)},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

func (s *MemoryIdempotencyStore) Abandon(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}
