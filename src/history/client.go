// Package history fetches pages of past chat messages from the REST backend.
package history

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/orchestra-mcp/chatsocket/config"
	"github.com/orchestra-mcp/chatsocket/src/types"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

const defaultTimeout = 15 * time.Second

// Fetcher returns one page of a room's history, oldest first. A before of
// zero asks for the most recent page.
type Fetcher interface {
	FetchPage(ctx context.Context, roomID, before int64, size int) ([]types.ChatMessage, error)
}

// StatusError is a non-200 response from the backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("history request failed with status %d: %s", e.Code, e.Body)
}

// page is the paginated envelope some backend versions return.
type page struct {
	Content []types.ChatMessage `json:"content"`
}

// Client fetches history over HTTP.
type Client struct {
	baseURL string
	http    *fasthttp.Client
	tokens  TokenProvider
	logger  zerolog.Logger
}

// NewClient creates a history client for cfg.APIURL.
func NewClient(cfg *config.ChatConfig, tokens TokenProvider, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: cfg.APIURL,
		http: &fasthttp.Client{
			Name:         "chatsocket",
			ReadTimeout:  defaultTimeout,
			WriteTimeout: defaultTimeout,
		},
		tokens: tokens,
		logger: logger.With().Str("component", "chat-history").Logger(),
	}
}

// FetchPage implements Fetcher.
func (c *Client) FetchPage(ctx context.Context, roomID, before int64, size int) ([]types.ChatMessage, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.pageURL(roomID, before, size))
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		if token, ok := c.tokens.Token(ctx); ok {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultTimeout)
	}
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("history request: %w", err)
	}
	if code := resp.StatusCode(); code != fasthttp.StatusOK {
		body := resp.Body()
		if len(body) > 256 {
			body = body[:256]
		}
		return nil, &StatusError{Code: code, Body: string(body)}
	}

	msgs, err := decodePage(resp.Body())
	if err != nil {
		return nil, err
	}

	valid := msgs[:0]
	for _, m := range msgs {
		if err := m.Validate(); err != nil {
			c.logger.Warn().Err(err).Int64("room", roomID).Msg("skipping invalid history message")
			continue
		}
		valid = append(valid, m)
	}
	slices.SortStableFunc(valid, func(a, b types.ChatMessage) int { return cmp.Compare(a.ID, b.ID) })

	c.logger.Debug().Int64("room", roomID).Int64("before", before).Int("count", len(valid)).Msg("history page fetched")
	return valid, nil
}

func (c *Client) pageURL(roomID, before int64, size int) string {
	q := url.Values{}
	if size > 0 {
		q.Set("size", strconv.Itoa(size))
	}
	if before > 0 {
		q.Set("before", strconv.FormatInt(before, 10))
	}
	u := fmt.Sprintf("%s/api/activities/%d/messages", c.baseURL, roomID)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// decodePage accepts either a bare JSON array or a {"content": [...]} page.
func decodePage(body []byte) ([]types.ChatMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var msgs []types.ChatMessage
		if err := json.Unmarshal(body, &msgs); err != nil {
			return nil, fmt.Errorf("decode history: %w", err)
		}
		return msgs, nil
	}
	var p page
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode history page: %w", err)
	}
	return p.Content, nil
}
