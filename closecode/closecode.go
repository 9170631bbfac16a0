// Package closecode catalogues the standard WebSocket close codes this
// fabric uses, and which of them hint that the client should reconnect.
// It wraps github.com/coder/websocket's status codes in a typed,
// documented surface instead of passing raw integers between transport,
// peer, and relay.
package closecode

import "github.com/coder/websocket"

// Code is a WebSocket close code, as used on Conn.Close and observed from
// the close event.
type Code = websocket.StatusCode

const (
	NormalClosure   Code = websocket.StatusNormalClosure
	GoingAway       Code = websocket.StatusGoingAway
	ProtocolError   Code = websocket.StatusProtocolError
	Unsupported     Code = websocket.StatusUnsupportedData
	PolicyViolation Code = websocket.StatusPolicyViolation
	MessageTooBig   Code = websocket.StatusMessageTooBig
	InternalError   Code = websocket.StatusInternalError
	ServiceRestart  Code = websocket.StatusServiceRestart
	TryAgainLater   Code = websocket.StatusTryAgainLater
	BadGateway      Code = websocket.StatusBadGateway

	// Reserved codes: never sent by this application, only ever observed
	// on the wire (browsers/runtimes synthesize them locally).
	NoStatusReceived   Code = websocket.StatusNoStatusRcvd
	AbnormalClosure    Code = websocket.StatusAbnormalClosure
	TLSHandshakeFailed Code = websocket.StatusTLSHandshake
)

var descriptions = map[Code]string{
	NormalClosure:      "normal closure",
	GoingAway:          "endpoint going away",
	ProtocolError:      "protocol error",
	Unsupported:        "unsupported data",
	PolicyViolation:    "policy violation",
	MessageTooBig:      "message too big",
	InternalError:      "internal error",
	ServiceRestart:     "service restart",
	TryAgainLater:      "try again later",
	BadGateway:         "bad gateway",
	NoStatusReceived:   "no status received (reserved)",
	AbnormalClosure:    "abnormal closure (reserved)",
	TLSHandshakeFailed: "TLS handshake failed (reserved)",
}

// reconnectable is the "can reconnect" set from spec §6: a client-side
// hint only, never consulted by the relay itself.
var reconnectable = map[Code]bool{
	GoingAway:       true,
	AbnormalClosure: true,
	InternalError:   true,
	ServiceRestart:  true,
	TryAgainLater:   true,
	BadGateway:      true,
}

// Describe returns a short human description of code, or "unknown close
// code" if it is not one this package knows.
func Describe(code Code) string {
	if d, ok := descriptions[code]; ok {
		return d
	}
	return "unknown close code"
}

// CanReconnect reports whether a client encountering this close code
// should attempt to reconnect. It is advisory only.
func CanReconnect(code Code) bool {
	return reconnectable[code]
}
