package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/orchestra-mcp/chatsocket/config"
	"github.com/orchestra-mcp/chatsocket/src/types"
)

// WebSocketDialer opens text WebSocket connections to the broker endpoint.
type WebSocketDialer struct {
	url          string
	dialer       *websocket.Dialer
	writeTimeout time.Duration
}

// NewWebSocketDialer creates a dialer for cfg.BrokerURL.
func NewWebSocketDialer(cfg *config.ChatConfig) *WebSocketDialer {
	return &WebSocketDialer{
		url: cfg.BrokerURL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   cfg.ReadBufferSize,
			WriteBufferSize:  cfg.WriteBufferSize,
		},
		writeTimeout: cfg.WriteTimeout,
	}
}

// Dial opens the socket. It returns once the WebSocket upgrade completed.
func (d *WebSocketDialer) Dial(ctx context.Context) (types.Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, d.url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %s: %w", d.url, resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", d.url, err)
	}
	return &wsConn{conn: conn, writeTimeout: d.writeTimeout}, nil
}

// wsConn wraps fasthttp/websocket.Conn to satisfy types.Conn.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (w *wsConn) Read() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

func (w *wsConn) Write(data []byte) error {
	if w.writeTimeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close(code int, reason string) error {
	timeout := w.writeTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(timeout))
	return w.conn.Close()
}
