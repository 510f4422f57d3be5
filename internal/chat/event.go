package chat

import "github.com/propdash/convsync/internal/wire"

const (
	EventMessageSent = "message_sent"
	EventMarkedRead  = "marked_read"
	EventNewMessage  = "new_message"
)

// Event is the payload published on convsync.event.<user_id> and received
// on convsync.inbound.<user_id>.
type Event struct {
	Type      string  `json:"type"`
	UserID    wire.ID `json:"user_id"`
	PeerID    wire.ID `json:"peer_id"`
	MessageID wire.ID `json:"message_id,omitempty"`
	TempID    wire.ID `json:"temp_id,omitempty"`
	Ts        int64   `json:"ts,omitempty"`
}
