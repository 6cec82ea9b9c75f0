package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrIdempotencyKeyNotFound is returned by IdempotencyStore.Get on a miss
var ErrIdempotencyKeyNotFound = stderrors.New("idempotency key not found")

// IdempotencyStore remembers the result of an insert request by its key
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (*InsertResult, error)
	Set(ctx context.Context, key string, result *InsertResult, ttl time.Duration) error
	Close() error
}

type memoryEntry struct {
	result    InsertResult
	expiresAt time.Time
}

// MemoryIdempotencyStore keeps results in process memory
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryIdempotencyStore creates an empty in-memory store
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Get returns a cached result that has not expired
func (s *MemoryIdempotencyStore) Get(ctx context.Context, key string) (*InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, ErrIdempotencyKeyNotFound
	}
	if s.now().After(entry.expiresAt) {
		delete(s.entries, key)
		return nil, ErrIdempotencyKeyNotFound
	}
	result := entry.result
	return &result, nil
}

// Set stores a result with TTL and drops expired entries
func (s *MemoryIdempotencyStore) Set(ctx context.Context, key string, result *InsertResult, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, k)
		}
	}
	s.entries[key] = memoryEntry{result: *result, expiresAt: now.Add(ttl)}
	return nil
}

// Close is a no-op
func (s *MemoryIdempotencyStore) Close() error {
	return nil
}

const redisKeyPrefix = "tsbucket:idempotency:"

// RedisIdempotencyStore keeps results in Redis, shared by every node
type RedisIdempotencyStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisIdempotencyStore connects to Redis and verifies the connection
func NewRedisIdempotencyStore(host string, port int, password string, db int, logger *zap.Logger) (*RedisIdempotencyStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisIdempotencyStoreWithClient(client, logger), nil
}

// NewRedisIdempotencyStoreWithClient wraps an existing client
func NewRedisIdempotencyStoreWithClient(client *redis.Client, logger *zap.Logger) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client, logger: logger}
}

// Get retrieves a cached result
func (s *RedisIdempotencyStore) Get(ctx context.Context, key string) (*InsertResult, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, ErrIdempotencyKeyNotFound
	}
	if err != nil {
		return nil, err
	}

	var result InsertResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached result: %w", err)
	}
	return &result, nil
}

// Set stores a result with TTL
func (s *RedisIdempotencyStore) Set(ctx context.Context, key string, result *InsertResult, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	return s.client.Set(ctx, redisKeyPrefix+key, data, ttl).Err()
}

// Ping checks the Redis connection
func (s *RedisIdempotencyStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *RedisIdempotencyStore) Close() error {
	return s.client.Close()
}
