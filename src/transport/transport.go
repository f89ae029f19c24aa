// Package transport drives the chat broker connection: handshake, room
// subscription, outbound sends and the receive loop feeding the message
// stream.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/orchestra-mcp/chatsocket/config"
	"github.com/orchestra-mcp/chatsocket/src/frame"
	"github.com/orchestra-mcp/chatsocket/src/stream"
	"github.com/orchestra-mcp/chatsocket/src/types"
	"github.com/rs/zerolog"
)

const (
	// SubscriptionID is the id of the single room subscription.
	SubscriptionID = "sub-0"
	// AcceptVersion is advertised in the CONNECT frame.
	AcceptVersion = "1.1,1.2"

	closeReasonSwitch = "switching chat"
)

// Topic returns the broker destination a room's messages are delivered on.
func Topic(roomID int64) string {
	return "/topic/activity." + strconv.FormatInt(roomID, 10)
}

// Destination returns the broker destination a room's messages are sent to.
func Destination(roomID int64) string {
	return "/app/chat/" + strconv.FormatInt(roomID, 10)
}

// Dialer opens the underlying socket.
type Dialer interface {
	Dial(ctx context.Context) (types.Conn, error)
}

// Stats counts transport traffic since creation.
type Stats struct {
	FramesIn  uint64 `json:"frames_in"`
	FramesOut uint64 `json:"frames_out"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Evicted   uint64 `json:"evicted"`
}

// Transport owns at most one broker connection at a time.
type Transport struct {
	dialer Dialer
	cfg    *config.ChatConfig
	logger zerolog.Logger

	// ops serializes Connect and Disconnect, except for the dial itself.
	ops sync.Mutex

	mu         sync.Mutex
	state      State
	conn       *connection
	cancelDial context.CancelFunc
	dialSeq    uint64
	stream     *stream.Stream
	err        error
	observers  []func(State)

	framesIn  atomic.Uint64
	framesOut atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	evicted   atomic.Uint64
}

// New creates an idle transport.
func New(dialer Dialer, cfg *config.ChatConfig, logger zerolog.Logger) *Transport {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	ended := stream.New(cfg.BufferCapacity)
	ended.End()
	return &Transport{
		dialer: dialer,
		cfg:    cfg,
		logger: logger.With().Str("component", "chat-transport").Logger(),
		stream: ended,
	}
}

// connection is one socket plus the goroutines serving it.
type connection struct {
	id     string
	room   int64
	sock   types.Conn
	buf    *frame.Buffer
	stream *stream.Stream
	logger zerolog.Logger

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (c *connection) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	return c.sock.Write(data)
}

// close stops all further writes and frame handling and closes the socket.
func (c *connection) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		close(c.done)
		c.writeMu.Unlock()
		if err := c.sock.Close(code, reason); err != nil {
			c.logger.Debug().Err(err).Msg("socket close")
		}
	})
}

func (c *connection) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Connect opens a connection for roomID and sends CONNECT. It returns once
// the socket is open; the handshake and subscription complete asynchronously.
// An existing connection is torn down first.
func (t *Transport) Connect(ctx context.Context, roomID int64, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrUnauthenticated
	}

	connect := frame.New(frame.Connect,
		frame.HeaderAcceptVersion, AcceptVersion,
		frame.HeaderHeartBeat, heartbeatHeader(t.cfg.Heartbeat),
		frame.HeaderHost, t.cfg.Host,
		frame.HeaderAuthorization, "Bearer "+token,
	)
	data, err := frame.Encode(connect)
	if err != nil {
		return err
	}

	t.ops.Lock()
	t.mu.Lock()
	old, state := t.conn, t.state
	t.mu.Unlock()
	if old != nil && !state.canConnect() {
		t.logger.Info().Int64("from_room", old.room).Int64("to_room", roomID).Msg("switching chat")
		t.shutdown(old, types.CloseNormal, closeReasonSwitch)
	}

	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	t.mu.Lock()
	t.stopDialLocked()
	t.dialSeq++
	seq := t.dialSeq
	t.cancelDial = cancel
	t.conn = nil
	t.err = nil
	notify := t.setLocked(Connecting)
	t.mu.Unlock()
	t.ops.Unlock()
	notify()

	// ops is not held while dialing so Disconnect can abort the attempt.
	sock, err := t.dialer.Dial(dialCtx)

	t.ops.Lock()
	defer t.ops.Unlock()

	t.mu.Lock()
	if t.dialSeq != seq || t.state != Connecting {
		t.mu.Unlock()
		if sock != nil {
			_ = sock.Close(types.CloseNormal, "")
		}
		t.logger.Debug().Int64("room", roomID).Msg("dial superseded")
		return &SocketError{Op: "dial", Err: errConnClosed}
	}
	t.cancelDial = nil

	if err != nil {
		se := &SocketError{Op: "dial", Err: err}
		t.err = se
		notify := t.setLocked(Errored)
		t.mu.Unlock()
		notify()
		t.logger.Error().Err(err).Int64("room", roomID).Msg("dial failed")
		return se
	}

	id := uuid.New().String()
	c := &connection{
		id:     id,
		room:   roomID,
		sock:   sock,
		buf:    frame.NewBuffer(t.cfg.MaxFrameSize),
		stream: stream.New(t.cfg.BufferCapacity),
		logger: t.logger.With().Str("conn_id", id).Int64("room", roomID).Logger(),
		done:   make(chan struct{}),
	}
	t.conn = c
	t.stream = c.stream
	t.mu.Unlock()

	if err := c.write(data); err != nil {
		se := &SocketError{Op: "connect", Err: err}
		t.fail(c, se)
		return se
	}
	t.framesOut.Add(1)

	if !t.advance(c, Connecting, AwaitingHandshake) {
		return &SocketError{Op: "connect", Err: errConnClosed}
	}
	go t.readLoop(c)

	c.logger.Info().Msg("chat socket open, awaiting handshake")
	return nil
}

// Send writes a SEND frame for req. It does not wait for the broker's echo.
func (t *Transport) Send(ctx context.Context, req types.SendRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	c, state := t.conn, t.state
	t.mu.Unlock()
	if c == nil || state != Subscribed {
		return ErrNotSubscribed
	}
	if req.RoomID != c.room {
		return fmt.Errorf("%w: subscribed to %d, got %d", ErrRoomMismatch, c.room, req.RoomID)
	}

	body, err := json.Marshal(sendPayload{ProfileID: req.ProfileID, Content: req.Content})
	if err != nil {
		return &frame.EncodingError{Command: frame.Send, Reason: err.Error()}
	}
	f := frame.New(frame.Send,
		frame.HeaderDestination, Destination(c.room),
		frame.HeaderContentType, "application/json",
	)
	f.Body = string(body)
	data, err := frame.Encode(f)
	if err != nil {
		return err
	}

	if err := c.write(data); err != nil {
		if errors.Is(err, errConnClosed) {
			return ErrNotSubscribed
		}
		se := &SocketError{Op: "send", Err: err}
		t.fail(c, se)
		return se
	}
	t.framesOut.Add(1)
	c.logger.Debug().Int64("profile_id", req.ProfileID).Int("bytes", len(data)).Msg("message sent")
	return nil
}

// Disconnect closes the current connection with a normal closure and ends its
// stream. It is safe to call in any state.
func (t *Transport) Disconnect() error {
	t.ops.Lock()
	defer t.ops.Unlock()

	t.mu.Lock()
	t.stopDialLocked()
	c, state := t.conn, t.state
	t.mu.Unlock()

	if c == nil || state == Closed {
		t.mu.Lock()
		notify := t.setLocked(Closed)
		t.mu.Unlock()
		notify()
		return nil
	}
	t.shutdown(c, types.CloseNormal, "")
	return nil
}

// stopDialLocked aborts an in-flight dial. Callers hold t.mu.
func (t *Transport) stopDialLocked() {
	if t.cancelDial != nil {
		t.cancelDial()
		t.cancelDial = nil
	}
}

// shutdown moves c through Closing to Closed.
func (t *Transport) shutdown(c *connection, code int, reason string) {
	t.mu.Lock()
	current := t.conn == c
	var notify func()
	if current {
		notify = t.setLocked(Closing)
	}
	t.mu.Unlock()
	if notify != nil {
		notify()
	}

	c.close(code, reason)
	c.stream.End()

	if current {
		t.mu.Lock()
		notify = func() {}
		if t.conn == c {
			notify = t.setLocked(Closed)
		}
		t.mu.Unlock()
		notify()
	}
	c.logger.Info().Str("reason", reason).Msg("chat connection closed")
}

// fail marks c unusable. Only the first failure of a live connection counts.
func (t *Transport) fail(c *connection, cause error) {
	t.mu.Lock()
	if t.conn != c || t.state.terminal() {
		t.mu.Unlock()
		return
	}
	t.err = cause
	notify := t.setLocked(Errored)
	t.mu.Unlock()

	c.logger.Error().Err(cause).Msg("chat connection failed")
	c.close(types.CloseGoingAway, "")
	c.stream.End()
	notify()
}

// advance moves a still-current connection from one state to the next.
func (t *Transport) advance(c *connection, from, to State) bool {
	t.mu.Lock()
	if t.conn != c || t.state != from {
		t.mu.Unlock()
		return false
	}
	notify := t.setLocked(to)
	t.mu.Unlock()
	notify()
	return true
}

// setLocked updates the state and returns a func that informs observers.
// Callers hold t.mu and call the returned func after releasing it.
func (t *Transport) setLocked(to State) func() {
	from := t.state
	t.state = to
	if from == to || len(t.observers) == 0 {
		return func() {}
	}
	observers := slices.Clone(t.observers)
	return func() {
		for _, fn := range observers {
			fn(to)
		}
	}
}

func (t *Transport) readLoop(c *connection) {
	for {
		data, err := c.sock.Read()
		if err != nil {
			if !c.closed() {
				t.fail(c, &SocketError{Op: "read", Err: err})
			}
			return
		}

		frames, err := c.buf.Feed(data)
		if err != nil {
			t.dropped.Add(1)
			c.logger.Warn().Err(err).Msg("discarding oversized frame")
		}
		for _, raw := range frames {
			if c.closed() {
				return
			}
			t.handleFrame(c, raw)
		}
	}
}

func (t *Transport) handleFrame(c *connection, raw []byte) {
	t.framesIn.Add(1)
	f, err := frame.Decode(raw)
	if err != nil {
		t.dropped.Add(1)
		c.logger.Warn().Err(err).Msg("dropping undecodable frame")
		return
	}

	t.mu.Lock()
	current, state := t.conn == c, t.state
	t.mu.Unlock()
	if !current {
		return
	}

	switch state {
	case AwaitingHandshake:
		if f.Command != frame.Connected {
			t.fail(c, violation(state, f))
			return
		}
		t.subscribe(c, f)
	case Subscribed:
		switch f.Command {
		case frame.Message:
			t.deliver(c, f)
		case frame.Error:
			t.fail(c, violation(state, f))
		default:
			c.logger.Debug().Str("command", string(f.Command)).Msg("ignoring frame")
		}
	}
}

func violation(state State, f frame.Frame) *ProtocolViolationError {
	detail, _ := f.Get("message")
	if detail == "" {
		detail = strings.TrimRight(f.Body, "\x00 \t\r\n")
	}
	return &ProtocolViolationError{State: state, Command: f.Command, Detail: detail}
}

func (t *Transport) subscribe(c *connection, connected frame.Frame) {
	sub := frame.New(frame.Subscribe,
		frame.HeaderID, SubscriptionID,
		frame.HeaderDestination, Topic(c.room),
		frame.HeaderAck, "auto",
	)
	data, err := frame.Encode(sub)
	if err != nil {
		t.fail(c, err)
		return
	}

	if err := c.write(data); err != nil {
		if !errors.Is(err, errConnClosed) {
			t.fail(c, &SocketError{Op: "subscribe", Err: err})
		}
		return
	}
	t.framesOut.Add(1)
	if !t.advance(c, AwaitingHandshake, Subscribed) {
		return
	}

	version, _ := connected.Get(frame.HeaderVersion)
	c.logger.Info().Str("version", version).Str("destination", Topic(c.room)).Msg("subscribed")

	if every := negotiateHeartbeat(t.cfg.Heartbeat, connected); every > 0 {
		go t.heartbeat(c, every)
	}
}

func (t *Transport) deliver(c *connection, f frame.Frame) {
	msg, err := decodeMessage(f.Body)
	if err != nil {
		t.dropped.Add(1)
		id, _ := f.Get(frame.HeaderMessageID)
		c.logger.Warn().Err(err).Str("message_id", id).Msg("dropping malformed message")
		return
	}
	if msg.RoomID != c.room {
		t.dropped.Add(1)
		c.logger.Warn().Int64("message_room", msg.RoomID).Int64("id", msg.ID).Msg("dropping message for another room")
		return
	}

	if evicted := c.stream.Publish(msg); evicted > 0 {
		t.evicted.Add(uint64(evicted))
	}
	t.delivered.Add(1)
	c.logger.Debug().Int64("id", msg.ID).Int64("profile_id", msg.ProfileID).Msg("message received")
}

func (t *Transport) heartbeat(c *connection, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.write([]byte{'\n'}); err != nil {
				if !errors.Is(err, errConnClosed) {
					t.fail(c, &SocketError{Op: "heartbeat", Err: err})
				}
				return
			}
		}
	}
}

func heartbeatHeader(d time.Duration) string {
	ms := d.Milliseconds()
	return fmt.Sprintf("%d,%d", ms, ms)
}

// negotiateHeartbeat returns how often the client must send heart-beats, or
// zero when either side opted out.
func negotiateHeartbeat(ours time.Duration, connected frame.Frame) time.Duration {
	raw, ok := connected.Get(frame.HeaderHeartBeat)
	if !ok || ours <= 0 {
		return 0
	}
	_, want, found := strings.Cut(raw, ",")
	if !found {
		return 0
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(want), 10, 64)
	if err != nil || ms <= 0 {
		return 0
	}
	theirs := time.Duration(ms) * time.Millisecond
	return max(ours, theirs)
}

// Messages returns the stream of the current (or most recent) connection.
func (t *Transport) Messages() *stream.Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stream
}

// State returns the current state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the cause of the last transition to Errored.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Room returns the room of the current connection, or zero.
func (t *Transport) Room() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return 0
	}
	return t.conn.room
}

// OnStateChange registers a callback invoked after every state change.
// Callbacks may run on the receive goroutine or inside Connect, so they must
// not block or call Connect/Disconnect synchronously.
func (t *Transport) OnStateChange(fn func(State)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, fn)
}

// Stats returns traffic counters.
func (t *Transport) Stats() Stats {
	return Stats{
		FramesIn:  t.framesIn.Load(),
		FramesOut: t.framesOut.Load(),
		Delivered: t.delivered.Load(),
		Dropped:   t.dropped.Load(),
		Evicted:   t.evicted.Load(),
	}
}
