package proto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MessageType is the server-side category of a chat message.
type MessageType string

const (
	TypeText   MessageType = "TEXT"
	TypeImage  MessageType = "IMAGE"
	TypeFile   MessageType = "FILE"
	TypeSystem MessageType = "SYSTEM"
)

// Message is a chat room message as delivered by history, poll and push.
type Message struct {
	ID                    int64       `json:"id,omitempty"`
	ChatRoomID            int64       `json:"chatRoomId,omitempty"`
	SenderID              int64       `json:"senderId,omitempty"`
	SenderName            string      `json:"senderName,omitempty"`
	SenderProfileImage    string      `json:"senderProfileImage,omitempty"`
	Content               string      `json:"content,omitempty"`
	MessageType           MessageType `json:"messageType,omitempty"`
	AttachmentURL         string      `json:"attachmentUrl,omitempty"`
	AttachmentName        string      `json:"attachmentName,omitempty"`
	AttachmentContentType string      `json:"attachmentContentType,omitempty"`
	AttachmentSize        int64       `json:"attachmentSize,omitempty"`
	SentAt                Timestamp   `json:"sentAt,omitempty"`
	UnreadCount           int         `json:"unreadCount,omitempty"`
}

// IsSystem reports whether the message is a room notice without sender chrome.
func (m Message) IsSystem() bool {
	return m.MessageType == TypeSystem
}

// SendRequest is the JSON body of a plain text send.
type SendRequest struct {
	ChatRoomID  int64       `json:"chatRoomId"`
	Content     string      `json:"content"`
	MessageType MessageType `json:"messageType"`
}

// Notification is pushed on the personal notification queue.
type Notification struct {
	ID          int64     `json:"id"`
	Type        string    `json:"type,omitempty"`
	Message     string    `json:"message"`
	ReferenceID int64     `json:"referenceId,omitempty"`
	Read        bool      `json:"read,omitempty"`
	CreatedAt   Timestamp `json:"createdAt,omitempty"`
}

// Envelope wraps every REST response of the messenger API.
type Envelope[T any] struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    T      `json:"data,omitempty"`
}

// Timestamp keeps the server's date-time text as received. The server emits
// zone-less local date-times, which are read in the viewer's location.
// Epoch milliseconds and date-time arrays ([y,m,d,h,min,s,nanos]) are
// normalised to text when decoded.
type Timestamp string

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || string(data) == "null":
		*ts = ""
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*ts = Timestamp(s)
	case data[0] == '[':
		var parts []int
		if err := json.Unmarshal(data, &parts); err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		if len(parts) < 3 || len(parts) > 7 {
			return fmt.Errorf("timestamp: %d date-time fields", len(parts))
		}
		for len(parts) < 7 {
			parts = append(parts, 0)
		}
		*ts = Timestamp(fmt.Sprintf("%04d-%02d-%02dT%02d:%02d:%02d.%09d",
			parts[0], parts[1], parts[2], parts[3], parts[4], parts[5], parts[6]))
	default:
		var ms int64
		if err := json.Unmarshal(data, &ms); err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		*ts = Timestamp(time.UnixMilli(ms).UTC().Format(time.RFC3339Nano))
	}
	return nil
}

var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Time parses the timestamp. Zone-less values are interpreted in loc and
// zoned values are converted to loc.
func (ts Timestamp) Time(loc *time.Location) (time.Time, bool) {
	raw := strings.TrimSpace(string(ts))
	if raw == "" {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.Local
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.In(loc), true
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
