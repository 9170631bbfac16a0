// Package envelope defines the wire shape shared by every relay component:
// the JSON envelope that wraps request/response/welcome/ping/pong/error
// messages, and the stream chunk envelope multiplexed alongside it.
package envelope

import (
	"encoding/json"
	"errors"
)

// Category discriminates the main envelope union. Stream chunks are a
// disjoint union discriminated by Type instead (see StreamKind).
type Category string

const (
	CategoryRequest  Category = "request"
	CategoryResponse Category = "response"
	CategoryWelcome  Category = "welcome"
	CategoryPing     Category = "ping"
	CategoryPong     Category = "pong"
	CategoryError    Category = "error"
)

// StreamKind discriminates the stream chunk union.
type StreamKind string

const (
	StreamData  StreamKind = "StreamData"
	StreamEnd   StreamKind = "StreamEnd"
	StreamError StreamKind = "StreamError"
)

// ErrInvalidFormat is returned by Parse when the bytes are not a
// recognizable envelope or stream chunk. It is never fatal to a
// connection: callers log and drop.
var ErrInvalidFormat = errors.New("envelope: invalid format")

// Envelope is the on-the-wire record for request/response/welcome/ping/
// pong/error messages. Fields not relevant to a given Category are left
// zero; Data carries the opaque application payload for request/response.
type Envelope struct {
	Category Category `json:"category"`

	RequestID string `json:"requestId,omitempty"`
	From      string `json:"from,omitempty"`
	FromName  string `json:"fromName,omitempty"`
	To        string `json:"to,omitempty"`
	ToName    string `json:"toName,omitempty"`

	Data json.RawMessage `json:"data,omitempty"`

	// welcome
	ClientID        string `json:"clientId,omitempty"`
	SessionID       string `json:"sessionId,omitempty"`
	RestoredSession bool   `json:"restoredSession,omitempty"`

	// ping/pong
	Timestamp int64 `json:"timestamp,omitempty"`

	// error
	Error string `json:"error,omitempty"`
	// TargetID is populated on TargetPeerNotFound errors.
	TargetID string `json:"targetId,omitempty"`
}

// StreamChunk is the on-the-wire record for multiplexed stream data,
// distinguished from Envelope by carrying "type" instead of "category".
type StreamChunk struct {
	Type     StreamKind      `json:"type"`
	StreamID string          `json:"streamId"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// probe is used only to sniff which union a frame belongs to.
type probe struct {
	Category Category `json:"category"`
	Type     StreamKind `json:"type"`
}

// IsStreamChunk reports whether the raw frame is a stream chunk rather
// than an Envelope, without fully decoding it.
func IsStreamChunk(raw []byte) bool {
	var p probe
	if err := json.Unmarshal(raw, &p); err != nil {
		return false
	}
	return p.Category == "" && p.Type != ""
}

// Parse decodes a raw frame into an Envelope. Unknown categories are not
// an error here — ErrInvalidFormat is reserved for bytes that aren't even
// a JSON object with a category field. Callers are responsible for
// dropping unknown categories per the forward-compatibility rule.
func Parse(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, ErrInvalidFormat
	}
	if env.Category == "" {
		return Envelope{}, ErrInvalidFormat
	}
	return env, nil
}

// ParseStreamChunk decodes a raw frame into a StreamChunk.
func ParseStreamChunk(raw []byte) (StreamChunk, error) {
	var chunk StreamChunk
	if err := json.Unmarshal(raw, &chunk); err != nil {
		return StreamChunk{}, ErrInvalidFormat
	}
	if chunk.Type == "" {
		return StreamChunk{}, ErrInvalidFormat
	}
	return chunk, nil
}

// KnownCategory reports whether c is one of the categories this package
// understands. The relay and peer drop envelopes with unknown categories
// rather than treating them as fatal.
func KnownCategory(c Category) bool {
	switch c {
	case CategoryRequest, CategoryResponse, CategoryWelcome, CategoryPing, CategoryPong, CategoryError:
		return true
	default:
		return false
	}
}

// Marshal serializes an Envelope for transmission.
func Marshal(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// MarshalStreamChunk serializes a StreamChunk for transmission.
func MarshalStreamChunk(chunk StreamChunk) ([]byte, error) {
	return json.Marshal(chunk)
}
