package transport

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/coder/websocket"
)

// WebSocketDialer dials a github.com/coder/websocket connection. It is
// the production Dialer; tests use a fake that implements Dialer
// directly without a real network round trip.
type WebSocketDialer struct {
	URL    string
	Header http.Header

	// MaxMessageSize bounds the read limit applied to the dialed
	// connection. <=0 uses DefaultReadLimit.
	MaxMessageSize int
}

// DefaultReadLimit matches relay.DefaultMaxMessageSize plus framing
// slack, so a client dialing with the zero-value WebSocketDialer can
// still read legal frames up to the relay's default size gate instead
// of falling back to coder/websocket's 32KB default.
const DefaultReadLimit = 1<<20 + 1024

func (d WebSocketDialer) Dial(ctx context.Context) (Socket, error) {
	conn, _, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{HTTPHeader: d.Header})
	if err != nil {
		return nil, err
	}
	limit := int64(d.MaxMessageSize)
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	// coder/websocket defaults to a 32KB read limit, well under the
	// fabric's default max message size; without raising it here, legal
	// frames above 32KB tear the connection down on Read instead of
	// being delivered.
	conn.SetReadLimit(limit)
	return &webSocketSocket{conn: conn}, nil
}

// webSocketSocket adapts *websocket.Conn to Socket, and additionally
// implements stream.BufferedAmount: coder/websocket does not expose an
// outbound buffer byte counter (unlike a browser WebSocket's
// bufferedAmount), so this tracks bytes handed to Write that have not
// yet been accepted by the OS socket buffer. Write on this library
// blocks until the frame is flushed, so the counter stays elevated for
// exactly as long as the peer is too slow to drain — the same signal
// backpressure polling needs.
type webSocketSocket struct {
	conn     *websocket.Conn
	buffered int64
}

func (s *webSocketSocket) Read(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.Read(ctx)
	return data, err
}

func (s *webSocketSocket) Write(ctx context.Context, data []byte) error {
	atomic.AddInt64(&s.buffered, int64(len(data)))
	defer atomic.AddInt64(&s.buffered, -int64(len(data)))
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *webSocketSocket) Close(code CloseCode, reason string) error {
	return s.conn.Close(websocket.StatusCode(code), reason)
}

// BufferedAmount implements stream.BufferedAmount.
func (s *webSocketSocket) BufferedAmount() int {
	return int(atomic.LoadInt64(&s.buffered))
}
