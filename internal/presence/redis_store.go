package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	presenceKeyPrefix = "presence:"
	onlineSetKey      = "online_users"
)

// RedisStore persists presence records to Redis under presence:<userID> with
// a TTL, and maintains an online set for cheap "who is online" queries by
// other services.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a store from a Redis URL.
func NewRedisStore(ctx context.Context, url string, ttl time.Duration) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

// Save writes the record and updates the online set in one pipeline.
func (s *RedisStore) Save(ctx context.Context, rec Record) error {
	data, err := json.Marshal(struct {
		UserID        string `json:"userId"`
		Status        string `json:"status"`
		StatusMessage string `json:"statusMessage,omitempty"`
		Emoji         string `json:"emoji,omitempty"`
		LastActiveAt  int64  `json:"lastActiveAt"`
	}{
		UserID:        rec.UserID,
		Status:        string(rec.Status),
		StatusMessage: rec.StatusMessage,
		Emoji:         rec.Emoji,
		LastActiveAt:  rec.LastActiveAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal presence record: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, presenceKeyPrefix+rec.UserID, data, s.ttl)
	if rec.Status == Offline {
		pipe.SRem(ctx, onlineSetKey, rec.UserID)
	} else {
		pipe.SAdd(ctx, onlineSetKey, rec.UserID)
		pipe.Expire(ctx, onlineSetKey, s.ttl*2)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save presence: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// NopStore discards presence records. Used when no Redis URL is configured.
type NopStore struct{}

// Save implements Store.
func (NopStore) Save(context.Context, Record) error { return nil }
