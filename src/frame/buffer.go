package frame

import (
	"bytes"
	"fmt"
)

// Buffer reassembles NUL-terminated frames from socket payloads. A payload may
// hold a partial frame, one frame, or several frames.
type Buffer struct {
	buf []byte
	max int
}

// NewBuffer creates a buffer that rejects frames larger than maxSize bytes.
// A non-positive maxSize disables the limit.
func NewBuffer(maxSize int) *Buffer {
	return &Buffer{max: maxSize}
}

// Feed appends a payload and returns every complete frame it finished.
// Heart-beat EOLs between frames are discarded. Returned slices do not alias
// the buffer.
func (b *Buffer) Feed(payload []byte) ([][]byte, error) {
	b.buf = append(b.buf, payload...)

	var frames [][]byte
	for {
		b.buf = trimHeartbeats(b.buf)
		i := bytes.IndexByte(b.buf, nul)
		if i < 0 {
			break
		}
		raw := make([]byte, i+1)
		copy(raw, b.buf[:i+1])
		frames = append(frames, raw)
		b.buf = b.buf[i+1:]
	}

	if b.max > 0 && len(b.buf) > b.max {
		n := len(b.buf)
		b.Reset()
		return frames, &MalformedFrameError{Reason: fmt.Sprintf("frame exceeds %d bytes (%d buffered)", b.max, n)}
	}
	if len(b.buf) == 0 {
		b.buf = nil
	}
	return frames, nil
}

// Pending returns the number of buffered bytes of an incomplete frame.
func (b *Buffer) Pending() int {
	return len(b.buf)
}

// Reset discards any partial frame.
func (b *Buffer) Reset() {
	b.buf = nil
}

func trimHeartbeats(p []byte) []byte {
	for len(p) > 0 && (p[0] == '\n' || p[0] == '\r') {
		p = p[1:]
	}
	return p
}
