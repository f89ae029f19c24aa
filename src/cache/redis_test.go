package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/orchestra-mcp/chatsocket/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheEntryDecode(t *testing.T) {
	avatar := "a.png"
	entry := cacheEntry{
		InstanceID: "instance-abc",
		CachedAt:   time.Now().UTC().Truncate(time.Second),
		Message: types.ChatMessage{
			ID: 1, RoomID: 42, ProfileID: 7, ProfileName: "Ann",
			ProfileAvatar: &avatar, Content: "hi", CreatedAt: "2024-01-01T10:00:00",
		},
	}
	data, err := json.Marshal(entry)
	require.NoError(t, err)

	decoded, err := decodeEntry(string(data))
	require.NoError(t, err)
	assert.Equal(t, entry.InstanceID, decoded.InstanceID)
	assert.Equal(t, entry.Message, decoded.Message)
}

func TestCacheEntryDecodeRejectsInvalid(t *testing.T) {
	_, err := decodeEntry(`{"instance_id":"x","message":{"id":1,"activityId":42}}`)
	assert.Error(t, err)

	_, err = decodeEntry(`not json`)
	assert.Error(t, err)
}

func TestDefaultRedisConfig(t *testing.T) {
	cfg := DefaultRedisConfig()
	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Empty(t, cfg.Password)
	assert.Equal(t, 0, cfg.DB)
	assert.Equal(t, "chatsocket:", cfg.Prefix)
	assert.Equal(t, 200, cfg.Keep)
}

func TestRedisConfigFromEnv(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.example.com:6380")
	t.Setenv("REDIS_PASSWORD", "secret")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("REDIS_CHAT_PREFIX", "test:chat:")
	t.Setenv("REDIS_CHAT_KEEP", "50")

	cfg := RedisConfigFromEnv()
	assert.Equal(t, "redis.example.com:6380", cfg.Addr)
	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, 3, cfg.DB)
	assert.Equal(t, "test:chat:", cfg.Prefix)
	assert.Equal(t, 50, cfg.Keep)
}

func TestRedisConfigFromEnvInvalidValues(t *testing.T) {
	t.Setenv("REDIS_DB", "not-a-number")
	t.Setenv("REDIS_CHAT_KEEP", "-1")

	cfg := RedisConfigFromEnv()
	assert.Equal(t, 0, cfg.DB) // falls back to default
	assert.Equal(t, 200, cfg.Keep)
}

func TestRedisCacheUnavailableBeforeStart(t *testing.T) {
	c := NewRedisCache(DefaultRedisConfig(), zerolog.Nop())
	t.Cleanup(func() { _ = c.Stop() })
	assert.False(t, c.Available())

	// Operations are no-ops while unavailable.
	ctx := context.Background()
	assert.NoError(t, c.Append(ctx, types.ChatMessage{ID: 1, RoomID: 42}))
	msgs, err := c.Recent(ctx, 42, 10)
	assert.NoError(t, err)
	assert.Empty(t, msgs)
	assert.NoError(t, c.Clear(ctx, 42))
}

func TestRedisCacheStartFailsWhenUnreachable(t *testing.T) {
	cfg := DefaultRedisConfig()
	cfg.Addr = "127.0.0.1:1"
	c := NewRedisCache(cfg, zerolog.Nop())
	t.Cleanup(func() { _ = c.Stop() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Error(t, c.Start(ctx))
	assert.False(t, c.Available())
}

func TestRoomKey(t *testing.T) {
	cfg := DefaultRedisConfig()
	cfg.Prefix = "p:"
	c := NewRedisCache(cfg, zerolog.Nop())
	t.Cleanup(func() { _ = c.Stop() })
	assert.Equal(t, "p:activity.42", c.roomKey(42))
}

func TestInstanceIDUnique(t *testing.T) {
	c1 := NewRedisCache(DefaultRedisConfig(), zerolog.Nop())
	c2 := NewRedisCache(DefaultRedisConfig(), zerolog.Nop())
	t.Cleanup(func() { _ = c1.Stop(); _ = c2.Stop() })
	assert.NotEqual(t, c1.instanceID, c2.instanceID)
}
