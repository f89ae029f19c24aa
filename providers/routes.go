// Package providers exposes a chat session over a local HTTP API for
// inspection and scripting.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/orchestra-mcp/chatsocket/src/store"
	"github.com/orchestra-mcp/chatsocket/src/stream"
	"github.com/orchestra-mcp/chatsocket/src/transport"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

const (
	sendTimeout      = 10 * time.Second
	resubscribeDelay = 250 * time.Millisecond
)

var upgrader = websocket.FastHTTPUpgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// ChatSession is the part of session.Session the routes use.
type ChatSession interface {
	Room() int64
	State() transport.State
	Stats() transport.Stats
	Store() *store.Store
	Messages() *stream.Subscription
	SendText(ctx context.Context, content string) error
}

// ChatRoutes serves the local chat API.
type ChatRoutes struct {
	sess   ChatSession
	logger zerolog.Logger
}

// NewChatRoutes creates routes over sess.
func NewChatRoutes(sess ChatSession, logger zerolog.Logger) *ChatRoutes {
	return &ChatRoutes{
		sess:   sess,
		logger: logger.With().Str("component", "chat-api").Logger(),
	}
}

// RegisterRoutes registers the chat routes via Fiber.
// The live feed uses FastHTTPHandler, registered at the server level since
// Fiber v3 does not expose *fasthttp.RequestCtx.
func (r *ChatRoutes) RegisterRoutes(group fiber.Router) {
	group.Get("/chat/info", r.handleInfo)
	group.Get("/chat/messages", r.handleMessages)
	group.Post("/chat/messages", r.handleSend)
}

func (r *ChatRoutes) handleInfo(c fiber.Ctx) error {
	stats := r.sess.Stats()
	return c.JSON(fiber.Map{
		"room":      r.sess.Room(),
		"state":     r.sess.State().String(),
		"messages":  r.sess.Store().Len(),
		"live":      "/chat/live",
		"framesIn":  stats.FramesIn,
		"framesOut": stats.FramesOut,
		"delivered": stats.Delivered,
		"dropped":   stats.Dropped,
		"evicted":   stats.Evicted,
	})
}

// handleMessages returns the stored messages, optionally only the last
// ?limit= of them.
func (r *ChatRoutes) handleMessages(c fiber.Ctx) error {
	msgs := r.sess.Store().Snapshot()
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":   "invalid_limit",
				"message": "limit must be a non-negative integer",
			})
		}
		if n < len(msgs) {
			msgs = msgs[len(msgs)-n:]
		}
	}
	return c.JSON(fiber.Map{
		"room":     r.sess.Room(),
		"messages": msgs,
	})
}

type sendBody struct {
	Content string `json:"content"`
}

func (r *ChatRoutes) handleSend(c fiber.Ctx) error {
	var body sendBody
	if err := json.Unmarshal(c.Body(), &body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "invalid_body",
			"message": "expected {\"content\": \"...\"}",
		})
	}
	if strings.TrimSpace(body.Content) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "empty_content",
			"message": "content must not be blank",
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := r.sess.SendText(ctx, body.Content); err != nil {
		status := fiber.StatusBadGateway
		if errors.Is(err, transport.ErrNotSubscribed) || errors.Is(err, transport.ErrRoomMismatch) {
			status = fiber.StatusConflict
		}
		r.logger.Warn().Err(err).Msg("send failed")
		return c.Status(status).JSON(fiber.Map{
			"error":   "send_failed",
			"message": err.Error(),
		})
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"sent": true})
}

// FastHTTPHandler returns a raw fasthttp handler streaming live messages as
// JSON over a WebSocket. Register it on the fasthttp server at "/chat/live".
func (r *ChatRoutes) FastHTTPHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		upgrade := string(ctx.Request.Header.Peek("Upgrade"))
		if !strings.EqualFold(upgrade, "websocket") {
			ctx.SetStatusCode(fasthttp.StatusUpgradeRequired)
			ctx.SetBodyString(`{"error":"upgrade_required","message":"WebSocket upgrade required"}`)
			return
		}

		viewerID := uuid.New().String()
		logger := r.logger.With().Str("viewer_id", viewerID).Logger()

		err := upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
			r.feed(conn, logger)
		})
		if err != nil {
			logger.Error().Err(err).Msg("websocket upgrade failed")
		}
	}
}

// feed copies live messages to conn until the session is closed or the
// viewer goes away. A reconnect ends the connection's stream; the feed then
// waits for the next one, so messages published in between are not seen.
// It returns only after the viewer's reader has stopped.
func (r *ChatRoutes) feed(conn *websocket.Conn, logger zerolog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	readerDone := make(chan struct{})

	// Viewers only listen; a read error means they left.
	go func() {
		defer close(readerDone)
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	defer func() {
		cancel()
		_ = conn.Close()
		<-readerDone
	}()

	logger.Debug().Msg("live viewer connected")
	for {
		err := r.forward(ctx, conn)
		if !errors.Is(err, stream.ErrEnded) {
			logger.Debug().Err(err).Msg("live viewer done")
			return
		}
		if state := r.sess.State(); state == transport.Closed || state == transport.Idle {
			logger.Debug().Msg("session closed, ending live feed")
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(resubscribeDelay):
		}
	}
}

// forward writes messages from one connection's stream until it ends.
func (r *ChatRoutes) forward(ctx context.Context, conn *websocket.Conn) error {
	sub := r.sess.Messages()
	defer sub.Close()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
	}
}
