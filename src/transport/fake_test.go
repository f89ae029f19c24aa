package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/orchestra-mcp/chatsocket/config"
	"github.com/orchestra-mcp/chatsocket/src/frame"
	"github.com/orchestra-mcp/chatsocket/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeConn implements types.Conn without a real WebSocket.
type fakeConn struct {
	mu          sync.Mutex
	written     [][]byte
	writeErr    error
	in          chan []byte
	readErr     chan error
	closed      bool
	closedCh    chan struct{}
	closeCode   int
	closeReason string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:       make(chan []byte, 64),
		readErr:  make(chan error, 1),
		closedCh: make(chan struct{}),
	}
}

func (f *fakeConn) Read() ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case err := <-f.readErr:
		return nil, err
	case <-f.closedCh:
		return nil, errors.New("use of closed connection")
	}
}

func (f *fakeConn) Write(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("write on closed connection")
	}
	if f.writeErr != nil {
		return f.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.written = append(f.written, cp)
	return nil
}

func (f *fakeConn) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.closeCode = code
		f.closeReason = reason
		close(f.closedCh)
	}
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) closeInfo() (int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode, f.closeReason
}

func (f *fakeConn) setWriteErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

// frames decodes everything written so far, skipping heart-beats.
func (f *fakeConn) frames(t *testing.T) []frame.Frame {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []frame.Frame
	for _, raw := range f.written {
		if string(raw) == "\n" {
			continue
		}
		fr, err := frame.Decode(raw)
		require.NoError(t, err)
		out = append(out, fr)
	}
	return out
}

func (f *fakeConn) commands(t *testing.T) []frame.Command {
	t.Helper()
	var cmds []frame.Command
	for _, fr := range f.frames(t) {
		cmds = append(cmds, fr.Command)
	}
	return cmds
}

func (f *fakeConn) heartbeats() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, raw := range f.written {
		if string(raw) == "\n" {
			n++
		}
	}
	return n
}

// push delivers a raw payload to the receive loop.
func (f *fakeConn) push(payload string) {
	f.in <- []byte(payload)
}

// fakeDialer hands out fresh fakeConns and records them. A non-nil hold
// blocks Dial until it is closed or, unless ignoreCancel is set, until ctx
// is done.
type fakeDialer struct {
	mu           sync.Mutex
	conns        []*fakeConn
	err          error
	hold         chan struct{}
	ignoreCancel bool
}

func (d *fakeDialer) Dial(ctx context.Context) (types.Conn, error) {
	d.mu.Lock()
	hold, ignoreCancel := d.hold, d.ignoreCancel
	d.mu.Unlock()
	if hold != nil {
		if ignoreCancel {
			<-hold
		} else {
			select {
			case <-hold:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) open() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.conns {
		if !c.isClosed() {
			n++
		}
	}
	return n
}

func testConfig() *config.ChatConfig {
	cfg := config.DefaultConfig()
	cfg.Heartbeat = 0
	cfg.BufferCapacity = 16
	return cfg
}

func newTestTransport(t *testing.T, cfg *config.ChatConfig) (*Transport, *fakeDialer) {
	t.Helper()
	d := &fakeDialer{}
	tr := New(d, cfg, zerolog.Nop())
	t.Cleanup(func() { _ = tr.Disconnect() })
	return tr, d
}

// subscribedTransport connects to roomID and completes the handshake.
func subscribedTransport(t *testing.T, roomID int64) (*Transport, *fakeDialer, *fakeConn) {
	t.Helper()
	tr, d := newTestTransport(t, testConfig())
	require.NoError(t, tr.Connect(context.Background(), roomID, "token"))
	conn := d.conn(d.count() - 1)
	conn.push("CONNECTED\nversion:1.2\n\n\x00")
	waitState(t, tr, Subscribed)
	return tr, d, conn
}

func waitState(t *testing.T, tr *Transport, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return tr.State() == want },
		time.Second, 2*time.Millisecond, "state never became %s (is %s)", want, tr.State())
}

func messageFrame(body string) string {
	return "MESSAGE\ndestination:/topic/activity.42\nsubscription:sub-0\nmessage-id:m\n\n" + body + "\x00"
}
