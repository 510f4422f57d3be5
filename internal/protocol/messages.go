// Package protocol defines the WebSocket messages exchanged between a
// dashboard shell and the gateway. All messages are JSON objects with a
// "type" discriminator; client messages are decoded in two passes, first
// the envelope and then the concrete struct for that type.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/propdash/convsync/internal/directory"
	"github.com/propdash/convsync/internal/notify"
	"github.com/propdash/convsync/internal/wire"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Shell -> gateway message types.
const (
	TypeHello       = "hello"
	TypeLoadUsers   = "load_users"
	TypeSelectPeer  = "select_peer"
	TypeSendMessage = "send_message"
	TypeSetDraft    = "set_draft"
	TypePing        = "ping"
)

// Gateway -> shell message types.
const (
	TypeReady = "ready"
	TypeState = "state"
	TypeError = "error"
	TypePong  = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
	CodeUnauthenticated = "unauthenticated"
	CodeInvalidMessage  = "invalid_message"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Shell -> gateway message structs
// ---------------------------------------------------------------------------

// HelloMsg binds the connection to a login session stored in Redis.
type HelloMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// LoadUsersMsg asks for the peer directory to be (re)loaded. Sent by the
// shell when the messaging tab is activated.
type LoadUsersMsg struct {
	Type string `json:"type"`
}

// SelectPeerMsg opens the conversation with a peer. PeerID accepts a JSON
// string or number.
type SelectPeerMsg struct {
	Type   string  `json:"type"`
	PeerID wire.ID `json:"peer_id"`
}

// SendMessageMsg sends text to a peer.
type SendMessageMsg struct {
	Type   string  `json:"type"`
	PeerID wire.ID `json:"peer_id"`
	Text   string  `json:"text"`
}

// SetDraftMsg mirrors the composer input.
type SetDraftMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Gateway -> shell message structs
// ---------------------------------------------------------------------------

// ReadyMsg acknowledges hello.
type ReadyMsg struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
}

// StateMsg carries the full client state after every change.
type StateMsg struct {
	Type           string                `json:"type"`
	SelectedUserID wire.ID               `json:"selected_user_id"`
	Users          []directory.ChatUser  `json:"users"`
	Messages       []wire.Message        `json:"messages"`
	Draft          string                `json:"draft"`
	Sending        int                   `json:"sending"` // optimistic messages awaiting the backend
	Notifications  []notify.Notification `json:"notifications"`
}

// ErrorMsg is sent by the gateway to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the gateway's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed shell message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// gateway-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeHello:
		var m HelloMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLoadUsers:
		var m LoadUsersMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSelectPeer:
		var m SelectPeerMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSetDraft:
		var m SetDraftMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a gateway message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	typeJSON, _ := json.Marshal(msgType)
	m["type"] = typeJSON

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
