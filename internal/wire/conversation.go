package wire

import (
	"bytes"
	"encoding/json"
)

// ConversationSummary is one entry of the conversations endpoint: the peer,
// how many of the peer's messages are unread, and optionally the peer's
// user record (present for peers outside the caller's company directory).
type ConversationSummary struct {
	UserID      ID    `json:"userId"`
	UnreadCount int   `json:"unreadCount"`
	User        *User `json:"user,omitempty"`
}

type rawConversation struct {
	UserID      ID              `json:"userId"`
	UserIDSnake ID              `json:"user_id"`
	OtherUserID ID              `json:"otherUserId"`
	PeerID      ID              `json:"peerId"`
	UnreadCount count           `json:"unreadCount"`
	UnreadSnake count           `json:"unread_count"`
	Unread      count           `json:"unread"`
	User        json.RawMessage `json:"user"`
	OtherUser   json.RawMessage `json:"otherUser"`
}

// UnmarshalJSON decodes any of the backend's conversation summary shapes.
func (c *ConversationSummary) UnmarshalJSON(data []byte) error {
	var raw rawConversation
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	summary := ConversationSummary{
		UserID:      firstID(raw.UserID, raw.UserIDSnake, raw.OtherUserID, raw.PeerID),
		UnreadCount: int(firstCount(raw.UnreadCount, raw.UnreadSnake, raw.Unread)),
	}
	for _, embedded := range []json.RawMessage{raw.User, raw.OtherUser} {
		embedded = bytes.TrimSpace(embedded)
		if len(embedded) == 0 || embedded[0] != '{' {
			continue
		}
		var u User
		if err := json.Unmarshal(embedded, &u); err != nil {
			continue
		}
		if u.ID == "" {
			u.ID = summary.UserID
		}
		summary.User = &u
		break
	}
	if summary.UserID == "" && summary.User != nil {
		summary.UserID = summary.User.ID
	}
	*c = summary
	return nil
}

func firstCount(values ...count) count {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}

// DecodeConversations normalizes a conversations response with the same
// envelope tolerance as DecodeUsers. Summaries without a resolvable peer id
// are skipped.
func DecodeConversations(body []byte) ([]ConversationSummary, error) {
	items, err := listElements(body, "conversations")
	if err != nil {
		return nil, err
	}
	out := make([]ConversationSummary, 0, len(items))
	for _, item := range items {
		var c ConversationSummary
		if err := json.Unmarshal(item, &c); err != nil || c.UserID == "" {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}
