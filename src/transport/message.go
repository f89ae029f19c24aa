package transport

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/orchestra-mcp/chatsocket/src/types"
)

// wireMessage mirrors the MESSAGE body so that missing fields can be told
// apart from zero values.
type wireMessage struct {
	ID            *int64  `json:"id"`
	ActivityID    *int64  `json:"activityId"`
	ProfileID     *int64  `json:"profileId"`
	ProfileName   *string `json:"profileName"`
	ProfileAvatar *string `json:"profileAvatar"`
	Content       *string `json:"content"`
	CreatedAt     *string `json:"createdAt"`
}

// sendPayload is the SEND body.
type sendPayload struct {
	ProfileID int64  `json:"profileId"`
	Content   string `json:"content"`
}

func decodeMessage(body string) (types.ChatMessage, error) {
	body = strings.TrimRight(body, "\x00 \t\r\n")
	if body == "" {
		return types.ChatMessage{}, fmt.Errorf("empty message body")
	}

	var w wireMessage
	if err := json.Unmarshal([]byte(body), &w); err != nil {
		return types.ChatMessage{}, fmt.Errorf("decode message body: %w", err)
	}

	var missing []string
	if w.ID == nil {
		missing = append(missing, "id")
	}
	if w.ActivityID == nil {
		missing = append(missing, "activityId")
	}
	if w.ProfileID == nil {
		missing = append(missing, "profileId")
	}
	if w.ProfileName == nil {
		missing = append(missing, "profileName")
	}
	if w.Content == nil {
		missing = append(missing, "content")
	}
	if w.CreatedAt == nil {
		missing = append(missing, "createdAt")
	}
	if len(missing) > 0 {
		return types.ChatMessage{}, fmt.Errorf("message body missing %s", strings.Join(missing, ", "))
	}
	if *w.Content == "" {
		return types.ChatMessage{}, fmt.Errorf("message %d has empty content", *w.ID)
	}

	return types.ChatMessage{
		ID:            *w.ID,
		RoomID:        *w.ActivityID,
		ProfileID:     *w.ProfileID,
		ProfileName:   *w.ProfileName,
		ProfileAvatar: w.ProfileAvatar,
		Content:       *w.Content,
		CreatedAt:     *w.CreatedAt,
	}, nil
}
