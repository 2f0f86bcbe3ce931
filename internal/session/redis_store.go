package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotIndexed is returned when the index holds no session for a subject.
var ErrNotIndexed = errors.New("subject not indexed")

// subjectEntry holds the data stored for each indexed subject
type subjectEntry struct {
	SessionID string    `json:"session_id"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// RedisIndex caches subject -> session lookups in Redis
type RedisIndex struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisIndex creates a new Redis-backed subject index
func NewRedisIndex(redisURL string, ttl time.Duration) (*RedisIndex, error) {
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

	return NewRedisIndexWithClient(client, ttl), nil
}

// NewRedisIndexWithClient creates an index from an existing Redis client
func NewRedisIndexWithClient(client *redis.Client, ttl time.Duration) *RedisIndex {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisIndex{
		client: client,
		prefix: "subject:",
		ttl:    ttl,
	}
}

func (s *RedisIndex) key(subjectRef, ownerID string) string {
	return s.prefix + ownerID + ":" + subjectRef
}

// Remember points subjectRef (for ownerID) at sessionID, refreshing the TTL
func (s *RedisIndex) Remember(ctx context.Context, subjectRef, ownerID, sessionID string) error {
	data, err := json.Marshal(subjectEntry{
		SessionID: sessionID,
		OwnerID:   ownerID,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("marshal subject entry: %w", err)
	}

	if err := s.client.Set(ctx, s.key(subjectRef, ownerID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("remember subject: %w", err)
	}
	return nil
}

// Lookup returns the session last remembered for subjectRef
func (s *RedisIndex) Lookup(ctx context.Context, subjectRef, ownerID string) (string, error) {
	raw, err := s.client.Get(ctx, s.key(subjectRef, ownerID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotIndexed
	}
	if err != nil {
		return "", fmt.Errorf("lookup subject: %w", err)
	}

	var entry subjectEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return "", fmt.Errorf("unmarshal subject entry: %w", err)
	}
	if entry.SessionID == "" || entry.OwnerID != ownerID {
		return "", ErrNotIndexed
	}
	return entry.SessionID, nil
}

// Forget drops the entry for subjectRef
func (s *RedisIndex) Forget(ctx context.Context, subjectRef, ownerID string) error {
	if err := s.client.Del(ctx, s.key(subjectRef, ownerID)).Err(); err != nil {
		return fmt.Errorf("forget subject: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisIndex) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisIndex) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
