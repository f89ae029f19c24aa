package frame

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeLayout(t *testing.T) {
	f := New(Subscribe, HeaderID, "sub-0", HeaderDestination, "/topic/activity.42")

	data, err := Encode(f)
	require.NoError(t, err)
	assert.Equal(t, "SUBSCRIBE\nid:sub-0\ndestination:/topic/activity.42\n\n\x00", string(data))
}

func TestEncodeWithBody(t *testing.T) {
	f := New(Send, HeaderDestination, "/app/chat/42", HeaderContentType, "application/json")
	f.Body = `{"profileId":7,"content":"hi"}`

	data, err := Encode(f)
	require.NoError(t, err)
	assert.Equal(t, "SEND\ndestination:/app/chat/42\ncontent-type:application/json\n\n{\"profileId\":7,\"content\":\"hi\"}\x00", string(data))
}

func TestEncodeRejectsInvalidFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
	}{
		{"unknown command", Frame{Command: "NACK"}},
		{"newline in value", New(Connect, HeaderAuthorization, "Bearer a\nb")},
		{"carriage return in value", New(Connect, HeaderHost, "a\rb")},
		{"colon in key", New(Send, "a:b", "c")},
		{"empty key", New(Send, "", "c")},
		{"nul in body", Frame{Command: Send, Body: "a\x00b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.frame)
			var encErr *EncodingError
			require.True(t, errors.As(err, &encErr), "expected EncodingError, got %v", err)
		})
	}
}

func TestEncodeAllowsColonInValue(t *testing.T) {
	_, err := Encode(New(Send, HeaderDestination, "urn:chat:42"))
	assert.NoError(t, err)
}

func TestDecodeMessageFrame(t *testing.T) {
	raw := "MESSAGE\ndestination:/topic/activity.42\nmessage-id:m-1\nsubscription:sub-0\n\n{\"id\":1}\x00"

	f, err := Decode([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, Message, f.Command)
	assert.Equal(t, `{"id":1}`, f.Body)
	dest, ok := f.Get(HeaderDestination)
	assert.True(t, ok)
	assert.Equal(t, "/topic/activity.42", dest)
	assert.Len(t, f.Headers, 3)
	assert.Equal(t, "message-id", f.Headers[1].Key)
}

func TestDecodeCarriageReturns(t *testing.T) {
	f, err := Decode([]byte("CONNECTED\r\nversion:1.2\r\nheart-beat:0,0\r\n\r\n\x00"))
	require.NoError(t, err)
	assert.Equal(t, Connected, f.Command)
	v, _ := f.Get(HeaderVersion)
	assert.Equal(t, "1.2", v)
	assert.Empty(t, f.Body)
}

func TestDecodeWithoutHeaders(t *testing.T) {
	f, err := Decode([]byte("CONNECTED\n\x00"))
	require.NoError(t, err)
	assert.Equal(t, Connected, f.Command)
	assert.Empty(t, f.Headers)
	assert.Empty(t, f.Body)

	f, err = Decode([]byte("ERROR"))
	require.NoError(t, err)
	assert.Equal(t, Error, f.Command)
}

func TestDecodeFirstDuplicateHeaderWins(t *testing.T) {
	f, err := Decode([]byte("MESSAGE\nid:1\nid:2\n\n\x00"))
	require.NoError(t, err)
	v, _ := f.Get("id")
	assert.Equal(t, "1", v)
	assert.Len(t, f.Headers, 1)
}

func TestDecodeKeepsValueColons(t *testing.T) {
	f, err := Decode([]byte("ERROR\nmessage:bad: thing\n\nboom\x00"))
	require.NoError(t, err)
	v, _ := f.Get("message")
	assert.Equal(t, "bad: thing", v)
	assert.Equal(t, "boom", f.Body)
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"only nul", "\x00"},
		{"blank command", "\nid:1\n\n\x00"},
		{"unknown command", "RECEIPT\nreceipt-id:1\n\n\x00"},
		{"header without colon", "MESSAGE\nbroken\n\nbody\x00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			var malformed *MalformedFrameError
			require.True(t, errors.As(err, &malformed), "expected MalformedFrameError, got %v", err)
		})
	}
}

func TestRoundTrip(t *testing.T) {
	frames := []Frame{
		New(Connect, HeaderAcceptVersion, "1.1,1.2", HeaderHeartBeat, "10000,10000", HeaderAuthorization, "Bearer abc.def"),
		New(Connected, HeaderVersion, "1.2"),
		New(Subscribe, HeaderID, "sub-0", HeaderDestination, "/topic/activity.42"),
		{Command: Send, Headers: []Header{{Key: HeaderDestination, Value: "/app/chat/42"}}, Body: `{"content":"a: b"}`},
		{Command: Message, Headers: []Header{{Key: "empty", Value: ""}}, Body: "multi\nline body  "},
		{Command: Error, Body: "\nleading newline"},
		{Command: Error},
	}
	for _, f := range frames {
		t.Run(string(f.Command), func(t *testing.T) {
			data, err := Encode(f)
			require.NoError(t, err)
			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, f, got)
		})
	}
}

func TestFrameSet(t *testing.T) {
	f := New(Send, HeaderDestination, "/a")
	f.Set(HeaderDestination, "/b")
	f.Set(HeaderContentType, "text/plain")

	assert.Len(t, f.Headers, 2)
	v, _ := f.Get(HeaderDestination)
	assert.Equal(t, "/b", v)
	_, ok := f.Get("missing")
	assert.False(t, ok)
}
