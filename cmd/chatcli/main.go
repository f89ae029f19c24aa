// Command chatcli joins a chat room from the terminal: it prints the room's
// history and live messages and sends every stdin line.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/joho/godotenv"
	"github.com/orchestra-mcp/chatsocket/config"
	"github.com/orchestra-mcp/chatsocket/providers"
	"github.com/orchestra-mcp/chatsocket/src/cache"
	"github.com/orchestra-mcp/chatsocket/src/history"
	"github.com/orchestra-mcp/chatsocket/src/session"
	"github.com/orchestra-mcp/chatsocket/src/transport"
	"github.com/orchestra-mcp/chatsocket/src/types"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

func main() {
	room := flag.Int64("room", 0, "chat room (activity) id")
	profile := flag.Int64("profile", 0, "sender profile id (overrides CHAT_PROFILE_ID)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if err := godotenv.Load(); err != nil {
		logger.Debug().Err(err).Msg("no .env file, using environment only")
	}
	cfg := config.FromEnv()
	if *profile != 0 {
		cfg.ProfileID = *profile
	}
	if *room <= 0 {
		logger.Fatal().Msg("-room is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *room, logger); err != nil {
		logger.Fatal().Err(err).Msg("chat client stopped")
	}
}

func run(ctx context.Context, cfg *config.ChatConfig, room int64, logger zerolog.Logger) error {
	tokens := history.NewStaticToken(cfg.Token)
	tr := transport.New(transport.NewWebSocketDialer(cfg), cfg, logger)
	opts := []session.Option{session.WithPageSize(cfg.HistoryPageSize)}

	if os.Getenv("REDIS_ADDR") != "" {
		rc := cache.NewRedisCache(cache.RedisConfigFromEnv(), logger)
		startCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rc.Start(startCtx)
		cancel()
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, continuing without cache")
		} else {
			defer rc.Stop()
			opts = append(opts, session.WithCache(rc))
		}
	}

	sess := session.New(tr, history.NewClient(cfg, tokens, logger), tokens, cfg.ProfileID, logger, opts...)

	// Observers must not reconnect synchronously; hand off to the loop below.
	errored := make(chan struct{}, 1)
	sess.OnStateChange(func(s transport.State) {
		logger.Debug().Str("state", s.String()).Msg("transport state")
		if s == transport.Errored {
			select {
			case errored <- struct{}{}:
			default:
			}
		}
	})

	sess.Store().OnPrepend(func(page []types.ChatMessage) {
		for _, m := range page {
			printMessage(m)
		}
	})
	sess.Store().OnAppend(printMessage)

	if err := sess.Open(ctx, room); err != nil {
		return err
	}
	defer sess.Close()

	if cfg.HTTPAddr != "" {
		srv := serveAPI(cfg.HTTPAddr, sess, logger)
		defer func() {
			if err := srv.Shutdown(); err != nil {
				logger.Warn().Err(err).Msg("api shutdown")
			}
		}()
	}

	lines := make(chan string)
	go readLines(lines)

	backoff := minBackoff
	var retry <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("leaving chat")
			return nil

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := sess.SendText(ctx, line); err != nil {
				logger.Error().Err(err).Msg("send failed")
			}

		case <-errored:
			if retry != nil {
				continue
			}
			logger.Warn().Err(sess.Err()).Dur("backoff", backoff).Msg("connection lost")
			retry = time.After(backoff)

		case <-retry:
			retry = nil
			if err := sess.Reconnect(ctx); err != nil {
				backoff = min(backoff*2, maxBackoff)
				logger.Error().Err(err).Dur("backoff", backoff).Msg("reconnect failed")
				retry = time.After(backoff)
				continue
			}
			backoff = minBackoff
		}
	}
}

// serveAPI runs the local chat API: fiber routes plus the live WebSocket feed.
func serveAPI(addr string, sess *session.Session, logger zerolog.Logger) *fasthttp.Server {
	routes := providers.NewChatRoutes(sess, logger)
	app := fiber.New()
	routes.RegisterRoutes(app)

	live := routes.FastHTTPHandler()
	api := app.Handler()
	srv := &fasthttp.Server{
		Handler: func(ctx *fasthttp.RequestCtx) {
			if string(ctx.Path()) == "/chat/live" {
				live(ctx)
				return
			}
			api(ctx)
		},
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("chat api listening")
		if err := srv.ListenAndServe(addr); err != nil {
			logger.Error().Err(err).Msg("chat api stopped")
		}
	}()
	return srv
}

func readLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

func printMessage(m types.ChatMessage) {
	fmt.Printf("[%s] %s: %s\n", strings.TrimSpace(m.CreatedAt), m.ProfileName, m.Content)
}
