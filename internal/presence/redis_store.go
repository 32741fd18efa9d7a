// Package presence tracks which users currently hold an open realtime session.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix  = "presence:"
	DefaultTTL = 90 * time.Second
)

// Tracker is implemented by RedisStore and LocalStore.
type Tracker interface {
	Touch(ctx context.Context, userID string) error
	Leave(ctx context.Context, userID string) error
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// Connect parses redisURL and verifies the server answers.
func Connect(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// RedisStore keeps one expiring key per online user so every instance sees the same presence.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) key(userID string) string {
	return keyPrefix + userID
}

// Touch marks userID online for the store's TTL; websocket pongs keep refreshing it.
func (s *RedisStore) Touch(ctx context.Context, userID string) error {
	if err := s.client.Set(ctx, s.key(userID), time.Now().UTC().Format(time.RFC3339), s.ttl).Err(); err != nil {
		return fmt.Errorf("touch presence: %w", err)
	}
	return nil
}

func (s *RedisStore) Leave(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.key(userID)).Err(); err != nil {
		return fmt.Errorf("clear presence: %w", err)
	}
	return nil
}

func (s *RedisStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("check presence: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// LocalStore is the single-instance fallback when Redis is not configured.
type LocalStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	lastSeen map[string]time.Time
}

func NewLocalStore(ttl time.Duration) *LocalStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &LocalStore{ttl: ttl, now: time.Now, lastSeen: map[string]time.Time{}}
}

func (s *LocalStore) Touch(_ context.Context, userID string) error {
	s.mu.Lock()
	s.lastSeen[userID] = s.now()
	s.mu.Unlock()
	return nil
}

func (s *LocalStore) Leave(_ context.Context, userID string) error {
	s.mu.Lock()
	delete(s.lastSeen, userID)
	s.mu.Unlock()
	return nil
}

func (s *LocalStore) IsOnline(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen, ok := s.lastSeen[userID]
	if !ok {
		return false, nil
	}
	if s.now().Sub(seen) > s.ttl {
		delete(s.lastSeen, userID)
		return false, nil
	}
	return true, nil
}
