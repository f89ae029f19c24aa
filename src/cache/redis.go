// Package cache keeps the most recent chat messages per room in Redis so a
// session can show something when the history backend is unreachable.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/orchestra-mcp/chatsocket/src/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// cacheEntry wraps a message with the instance that cached it.
type cacheEntry struct {
	InstanceID string            `json:"instance_id"`
	CachedAt   time.Time         `json:"cached_at"`
	Message    types.ChatMessage `json:"message"`
}

// RedisCache stores a capped list of recent messages per room.
type RedisCache struct {
	client     *redis.Client
	prefix     string
	keep       int
	instanceID string
	logger     zerolog.Logger

	mu     sync.RWMutex
	active bool
}

// NewRedisCache creates a cache. Call Start before use.
func NewRedisCache(cfg *RedisConfig, logger zerolog.Logger) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 2 * time.Second,
	})
	keep := cfg.Keep
	if keep <= 0 {
		keep = DefaultRedisConfig().Keep
	}

	return &RedisCache{
		client:     client,
		prefix:     cfg.Prefix,
		keep:       keep,
		instanceID: uuid.New().String(),
		logger:     logger.With().Str("component", "redis-cache").Logger(),
	}
}

// Start verifies the Redis connection.
func (c *RedisCache) Start(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	c.mu.Lock()
	c.active = true
	c.mu.Unlock()

	c.logger.Info().
		Str("instance_id", c.instanceID).
		Int("keep", c.keep).
		Msg("redis cache started")
	return nil
}

// Stop closes the Redis connection.
func (c *RedisCache) Stop() error {
	c.mu.Lock()
	c.active = false
	c.mu.Unlock()
	return c.client.Close()
}

// Available reports whether the cache is connected.
func (c *RedisCache) Available() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// Append records a message at the end of its room's list and trims the list
// to the configured size.
func (c *RedisCache) Append(ctx context.Context, msg types.ChatMessage) error {
	if !c.Available() {
		return nil
	}
	data, err := json.Marshal(cacheEntry{
		InstanceID: c.instanceID,
		CachedAt:   time.Now().UTC(),
		Message:    msg,
	})
	if err != nil {
		return err
	}

	key := c.roomKey(msg.RoomID)
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.LTrim(ctx, key, int64(-c.keep), -1)
		return nil
	})
	return err
}

// Recent returns up to n cached messages for roomID, oldest first.
func (c *RedisCache) Recent(ctx context.Context, roomID int64, n int) ([]types.ChatMessage, error) {
	if !c.Available() {
		return nil, nil
	}
	if n <= 0 || n > c.keep {
		n = c.keep
	}
	raw, err := c.client.LRange(ctx, c.roomKey(roomID), int64(-n), -1).Result()
	if err != nil {
		return nil, err
	}

	msgs := make([]types.ChatMessage, 0, len(raw))
	for _, item := range raw {
		entry, err := decodeEntry(item)
		if err != nil {
			c.logger.Error().Err(err).Int64("room", roomID).Msg("failed to decode cached message")
			continue
		}
		msgs = append(msgs, entry.Message)
	}
	return msgs, nil
}

// Clear removes everything cached for roomID.
func (c *RedisCache) Clear(ctx context.Context, roomID int64) error {
	if !c.Available() {
		return nil
	}
	return c.client.Del(ctx, c.roomKey(roomID)).Err()
}

func (c *RedisCache) roomKey(roomID int64) string {
	return c.prefix + "activity." + strconv.FormatInt(roomID, 10)
}

func decodeEntry(item string) (cacheEntry, error) {
	var entry cacheEntry
	if err := json.Unmarshal([]byte(item), &entry); err != nil {
		return cacheEntry{}, err
	}
	if err := entry.Message.Validate(); err != nil {
		return cacheEntry{}, err
	}
	return entry, nil
}
