package frame

import (
	"bytes"
	"strings"
)

const (
	nul     = 0x00
	newline = '\n'
)

// Encode serializes f as command, header lines, a blank line, the body and a
// NUL terminator.
func Encode(f Frame) ([]byte, error) {
	if !f.Command.Valid() {
		return nil, &EncodingError{Command: f.Command, Reason: "unknown command"}
	}
	for _, h := range f.Headers {
		if h.Key == "" {
			return nil, &EncodingError{Command: f.Command, Reason: "empty header name"}
		}
		if strings.ContainsAny(h.Key, ":\r\n") {
			return nil, &EncodingError{Command: f.Command, Reason: "invalid header name " + quote(h.Key)}
		}
		if strings.ContainsAny(h.Value, "\r\n") {
			return nil, &EncodingError{Command: f.Command, Reason: "line break in header " + h.Key}
		}
	}
	if strings.IndexByte(f.Body, nul) >= 0 {
		return nil, &EncodingError{Command: f.Command, Reason: "NUL byte in body"}
	}

	var buf bytes.Buffer
	buf.Grow(len(f.Command) + len(f.Body) + 32*len(f.Headers) + 3)
	buf.WriteString(string(f.Command))
	buf.WriteByte(newline)
	for _, h := range f.Headers {
		buf.WriteString(h.Key)
		buf.WriteByte(':')
		buf.WriteString(h.Value)
		buf.WriteByte(newline)
	}
	buf.WriteByte(newline)
	buf.WriteString(f.Body)
	buf.WriteByte(nul)
	return buf.Bytes(), nil
}

// Decode parses one complete frame. The trailing NUL is optional.
func Decode(data []byte) (Frame, error) {
	if i := bytes.IndexByte(data, nul); i >= 0 {
		data = data[:i]
	}
	text := string(data)

	line, rest, ok := strings.Cut(text, "\n")
	cmd := Command(strings.TrimSuffix(line, "\r"))
	if cmd == "" {
		return Frame{}, &MalformedFrameError{Reason: "missing command"}
	}
	if !cmd.Valid() {
		return Frame{}, &MalformedFrameError{Reason: "unknown command " + quote(string(cmd))}
	}

	f := Frame{Command: cmd}
	if !ok {
		return f, nil
	}
	seen := make(map[string]bool)
	for {
		line, rest, ok = strings.Cut(rest, "\n")
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			break
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			return Frame{}, &MalformedFrameError{Reason: "header without separator " + quote(line)}
		}
		// First occurrence wins.
		if !seen[key] {
			seen[key] = true
			f.Headers = append(f.Headers, Header{Key: key, Value: value})
		}
		if !ok {
			return f, nil
		}
	}
	if ok {
		f.Body = rest
	}
	return f, nil
}

func quote(s string) string {
	if len(s) > 32 {
		s = s[:32] + "..."
	}
	return "\"" + s + "\""
}
