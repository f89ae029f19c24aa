package types

import "fmt"

// WebSocket close codes used by the chat transport.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
)

// ChatMessage is a chat message delivered for one activity (room).
type ChatMessage struct {
	ID            int64   `json:"id"`
	RoomID        int64   `json:"activityId"`
	ProfileID     int64   `json:"profileId"`
	ProfileName   string  `json:"profileName"`
	ProfileAvatar *string `json:"profileAvatar"`
	Content       string  `json:"content"`
	CreatedAt     string  `json:"createdAt"`
}

// Validate reports whether the message carries every required field.
func (m ChatMessage) Validate() error {
	switch {
	case m.ID == 0:
		return fmt.Errorf("message id missing")
	case m.RoomID == 0:
		return fmt.Errorf("message %d: activity id missing", m.ID)
	case m.ProfileName == "":
		return fmt.Errorf("message %d: profile name missing", m.ID)
	case m.Content == "":
		return fmt.Errorf("message %d: empty content", m.ID)
	case m.CreatedAt == "":
		return fmt.Errorf("message %d: creation time missing", m.ID)
	}
	return nil
}

// SendRequest is an outbound chat message. Delivery is confirmed only by the
// broker echoing it back through the room subscription.
type SendRequest struct {
	RoomID    int64
	ProfileID int64
	Content   string
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	// Read blocks until the next socket payload arrives.
	Read() ([]byte, error)
	Write(data []byte) error
	Close(code int, reason string) error
}
