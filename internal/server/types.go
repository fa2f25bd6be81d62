// Package server defines the relay's wire envelope, identifiers and the
// registry key, plus utility helpers shared by client and hub logic.
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Inbound and outbound envelope types.
const (
	TypeAuthenticate  = "authenticate"
	TypeAuthenticated = "authenticated"
	TypeMessage       = "message"
	TypeTyping        = "typing"
)

// TimestampLayout is the ISO-8601 layout stamped on relayed messages
// (UTC, millisecond precision).
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

const authenticatedText = "Connected to real-time chat"

var (
	// ErrInvalidID is returned for chat or user identifiers that are not a
	// JSON string or number.
	ErrInvalidID = errors.New("identifier must be a JSON string or number")
	// ErrMissingType is returned for frames without a type discriminant.
	ErrMissingType = errors.New("frame has no type")
)

// ID is a caller-supplied chat or user identifier. It keeps the raw JSON so
// it is echoed back exactly as received, and a canonical text form used for
// registry keys, so 7 and "7" name the same participant.
type ID struct {
	raw  json.RawMessage
	text string
}

// NewStringID builds an ID from a string value.
func NewStringID(s string) ID {
	raw, _ := json.Marshal(s)
	return ID{raw: raw, text: s}
}

// UnmarshalJSON accepts JSON strings and numbers only.
func (id *ID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return ErrInvalidID
	}

	switch c := trimmed[0]; {
	case c == '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		id.text = s
	case c == '-' || (c >= '0' && c <= '9'):
		var n json.Number
		if err := json.Unmarshal(trimmed, &n); err != nil {
			return ErrInvalidID
		}
		text, err := canonicalNumber(n)
		if err != nil {
			return err
		}
		id.text = text
	default:
		return ErrInvalidID
	}

	id.raw = append(json.RawMessage(nil), trimmed...)
	return nil
}

// canonicalNumber renders a JSON number the way it prints as a double, so
// 1, 1.0 and 1e0 share one key.
func canonicalNumber(n json.Number) (string, error) {
	f, err := n.Float64()
	if err != nil {
		return "", ErrInvalidID
	}
	if f == 0 {
		f = 0 // -0
	}
	return strconv.FormatFloat(f, 'f', -1, 64), nil
}

// MarshalJSON writes the identifier as it was received.
func (id ID) MarshalJSON() ([]byte, error) {
	if len(id.raw) == 0 {
		return []byte("null"), nil
	}
	return id.raw, nil
}

func (id ID) String() string {
	return id.text
}

// Key identifies one registry entry: a participant inside a chat room.
type Key struct {
	Room        string
	Participant string
}

// KeyFor derives the registry key from a chat and user identifier.
func KeyFor(chatID, userID ID) Key {
	return Key{Room: chatID.String(), Participant: userID.String()}
}

// Envelope is an inbound frame. Pointer fields distinguish absent values
// from zero values so they can be echoed or omitted faithfully.
type Envelope struct {
	Type     string  `json:"type"`
	ChatID   *ID     `json:"chatId,omitempty"`
	UserID   *ID     `json:"userId,omitempty"`
	Username *string `json:"username,omitempty"`
	Content  *string `json:"content,omitempty"`
	IsTyping *bool   `json:"isTyping,omitempty"`
}

// AuthenticatedReply acknowledges a successful authenticate frame.
type AuthenticatedReply struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ChatMessage is the relayed form of a message frame.
type ChatMessage struct {
	Type      string  `json:"type"`
	ChatID    ID      `json:"chatId"`
	UserID    *ID     `json:"userId,omitempty"`
	Username  *string `json:"username,omitempty"`
	Content   *string `json:"content,omitempty"`
	Timestamp string  `json:"timestamp"`
}

// TypingNotice is the relayed form of a typing frame.
type TypingNotice struct {
	Type     string  `json:"type"`
	UserID   *ID     `json:"userId,omitempty"`
	Username *string `json:"username,omitempty"`
	IsTyping *bool   `json:"isTyping,omitempty"`
}

// DecodeEnvelope parses one inbound frame.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, err
	}
	if env.Type == "" {
		return Envelope{}, ErrMissingType
	}
	return env, nil
}

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
