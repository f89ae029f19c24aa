package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ChatConfig holds chat transport and session configuration.
type ChatConfig struct {
	// BrokerURL is the WebSocket endpoint of the message broker.
	BrokerURL string `json:"broker_url"`
	// APIURL is the base URL of the REST backend serving message history.
	APIURL string `json:"api_url"`
	// Host is sent as the CONNECT host header.
	Host string `json:"host"`

	BufferCapacity   int           `json:"buffer_capacity"`
	Heartbeat        time.Duration `json:"heartbeat"`
	WriteTimeout     time.Duration `json:"write_timeout"`
	HandshakeTimeout time.Duration `json:"handshake_timeout"`
	ReadBufferSize   int           `json:"read_buffer_size"`
	WriteBufferSize  int           `json:"write_buffer_size"`
	MaxFrameSize     int           `json:"max_frame_size"`
	HistoryPageSize  int           `json:"history_page_size"`

	// Token and ProfileID are only used by the command-line client.
	Token     string `json:"-"`
	ProfileID int64  `json:"profile_id"`
	HTTPAddr  string `json:"http_addr"`
}

// DefaultConfig returns the default chat configuration.
func DefaultConfig() *ChatConfig {
	return &ChatConfig{
		BrokerURL:        "ws://localhost:8080/ws",
		APIURL:           "http://localhost:8080",
		Host:             "/",
		BufferCapacity:   64,
		Heartbeat:        10 * time.Second,
		WriteTimeout:     10 * time.Second,
		HandshakeTimeout: 15 * time.Second,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		MaxFrameSize:     1 << 20,
		HistoryPageSize:  50,
	}
}

// FromEnv loads chat configuration from environment variables.
// Falls back to defaults for any missing or invalid values.
func FromEnv() *ChatConfig {
	cfg := DefaultConfig()

	if v := env("CHAT_WS_URL"); v != "" {
		cfg.BrokerURL = v
	}
	if v := env("CHAT_API_URL"); v != "" {
		cfg.APIURL = strings.TrimRight(v, "/")
	}
	if v := env("CHAT_HOST"); v != "" {
		cfg.Host = v
	}
	if n, ok := positiveInt("CHAT_BUFFER_CAPACITY"); ok {
		cfg.BufferCapacity = n
	}
	if ms, ok := nonNegativeInt("CHAT_HEARTBEAT_MS"); ok {
		cfg.Heartbeat = time.Duration(ms) * time.Millisecond
	}
	if s, ok := positiveInt("CHAT_WRITE_TIMEOUT_SECONDS"); ok {
		cfg.WriteTimeout = time.Duration(s) * time.Second
	}
	if s, ok := positiveInt("CHAT_HANDSHAKE_TIMEOUT_SECONDS"); ok {
		cfg.HandshakeTimeout = time.Duration(s) * time.Second
	}
	if n, ok := positiveInt("CHAT_MAX_FRAME_SIZE"); ok {
		cfg.MaxFrameSize = n
	}
	if n, ok := positiveInt("CHAT_HISTORY_PAGE_SIZE"); ok {
		cfg.HistoryPageSize = n
	}
	cfg.Token = env("CHAT_TOKEN")
	if raw := env("CHAT_PROFILE_ID"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.ProfileID = id
		}
	}
	cfg.HTTPAddr = env("CHAT_HTTP_ADDR")
	return cfg
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func positiveInt(key string) (int, bool) {
	n, ok := nonNegativeInt(key)
	if !ok || n == 0 {
		return 0, false
	}
	return n, true
}

func nonNegativeInt(key string) (int, bool) {
	raw := env(key)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
