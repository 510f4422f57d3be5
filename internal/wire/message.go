package wire

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Message is the canonical chat message.
type Message struct {
	ID         ID        `json:"id"`
	FromUserID ID        `json:"fromUserId"`
	ToUserID   ID        `json:"toUserId"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
	Read       bool      `json:"read"`
}

type rawMessage struct {
	ID             ID   `json:"id"`
	MessageID      ID   `json:"messageId"`
	FromUserID     ID   `json:"fromUserId"`
	FromUserSnake  ID   `json:"from_user_id"`
	SenderID       ID   `json:"senderId"`
	ToUserID       ID   `json:"toUserId"`
	ToUserSnake    ID   `json:"to_user_id"`
	RecipientID    ID   `json:"recipientId"`
	Content        text `json:"content"`
	Body           text `json:"body"`
	Text           text `json:"text"`
	CreatedAt      text `json:"createdAt"`
	CreatedAtSnake text `json:"created_at"`
	Read           flag `json:"read"`
	IsRead         flag `json:"isRead"`
}

// UnmarshalJSON decodes any of the backend's message shapes.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	read := raw.Read
	if !read.set {
		read = raw.IsRead
	}
	*m = Message{
		ID:         firstID(raw.ID, raw.MessageID),
		FromUserID: firstID(raw.FromUserID, raw.FromUserSnake, raw.SenderID),
		ToUserID:   firstID(raw.ToUserID, raw.ToUserSnake, raw.RecipientID),
		Content:    firstText(raw.Content, raw.Body, raw.Text),
		CreatedAt:  ParseTime(firstText(raw.CreatedAt, raw.CreatedAtSnake)),
		Read:       read.value,
	}
	return nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTime parses an ISO-8601 timestamp, tolerating a missing zone
// (assumed UTC) and unix epoch values in seconds or milliseconds. Unparseable
// input yields the zero time.
func ParseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC()
		}
		return time.Unix(n, 0).UTC()
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// DecodeMessages normalizes a conversation history response. Anything other
// than a JSON array yields an empty list. Elements that fail to decode are
// skipped.
func DecodeMessages(body []byte) ([]Message, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return []Message{}, nil
	}
	if !json.Valid(body) {
		return nil, errInvalidJSON
	}
	if body[0] != '[' {
		return []Message{}, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, errInvalidJSON
	}
	msgs := make([]Message, 0, len(items))
	for _, item := range items {
		var m Message
		if err := json.Unmarshal(item, &m); err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// DecodeSentMessage extracts the server-confirmed message from a send
// response. The message may sit at the top level or be wrapped under a
// "message" or "data" field. The boolean is false when no message with an
// id can be recognized.
func DecodeSentMessage(body []byte) (Message, bool) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return Message{}, false
	}
	var m Message
	if err := json.Unmarshal(body, &m); err == nil && m.ID != "" {
		return m, true
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return Message{}, false
	}
	for key, value := range fields {
		if !strings.EqualFold(key, "message") && !strings.EqualFold(key, "data") {
			continue
		}
		var nested Message
		if err := json.Unmarshal(value, &nested); err == nil && nested.ID != "" {
			return nested, true
		}
	}
	return Message{}, false
}
