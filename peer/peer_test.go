package peer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relaynet/relay/envelope"
	"github.com/relaynet/relay/transport"
)

// pipeSocket is an in-memory Socket; a connected pair feeds each other's
// Read directly from Write, letting two Peers exchange envelopes without
// any real network.
type pipeSocket struct {
	readCh chan []byte
	writeTo chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newPipe() (*pipeSocket, *pipeSocket) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	a := &pipeSocket{readCh: ba, writeTo: ab, closed: make(chan struct{})}
	b := &pipeSocket{readCh: ab, writeTo: ba, closed: make(chan struct{})}
	return a, b
}

func (s *pipeSocket) Read(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-s.readCh:
		if !ok {
			return nil, errors.New("pipe: closed")
		}
		return data, nil
	case <-s.closed:
		return nil, errors.New("pipe: closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *pipeSocket) Write(ctx context.Context, data []byte) error {
	select {
	case s.writeTo <- data:
		return nil
	case <-s.closed:
		return errors.New("pipe: closed")
	}
}

func (s *pipeSocket) Close(transport.CloseCode, string) error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type pipeDialer struct{ sock *pipeSocket }

func (d pipeDialer) Dial(ctx context.Context) (transport.Socket, error) {
	return d.sock, nil
}

func newConnectedPeerPair(t *testing.T) (*Peer, *Peer, func()) {
	t.Helper()
	sockA, sockB := newPipe()

	connA := transport.NewConn(pipeDialer{sock: sockA}, transport.DefaultOptions())
	connB := transport.NewConn(pipeDialer{sock: sockB}, transport.DefaultOptions())

	peerA := New(connA, Options{})
	peerB := New(connB, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	connA.Start(ctx)
	connB.Start(ctx)

	return peerA, peerB, func() {
		cancel()
		connA.Dispose()
		connB.Dispose()
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

// simulateWelcome delivers a welcome envelope directly into a Peer's
// onMessage path, standing in for the relay's upgrade-time welcome send
// since these tests wire two bare Peers without a Relay in between.
func simulateWelcome(p *Peer, clientID, sessionID string) {
	env := envelope.Envelope{Category: envelope.CategoryWelcome, ClientID: clientID, SessionID: sessionID}
	raw, _ := envelope.Marshal(env)
	p.onMessage(transport.Event{Type: transport.EventMessage, Data: raw})
}

func TestWaitForWelcomeResolvesOnWelcome(t *testing.T) {
	p := New(transport.NewConn(pipeDialer{}, transport.DefaultOptions()), Options{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		simulateWelcome(p, "peer-123", "sess-1")
	}()

	id, err := p.WaitForWelcome(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("WaitForWelcome error: %v", err)
	}
	if id != "peer-123" {
		t.Errorf("peerId = %q, want peer-123", id)
	}
}

func TestWaitForWelcomeTimesOut(t *testing.T) {
	p := New(transport.NewConn(pipeDialer{}, transport.DefaultOptions()), Options{})
	_, err := p.WaitForWelcome(context.Background(), 20*time.Millisecond)
	if !errors.Is(err, ErrRequestTimedOut) {
		t.Fatalf("err = %v, want ErrRequestTimedOut", err)
	}
}

func TestRepeatedWelcomeSameClientIsNoop(t *testing.T) {
	p := New(transport.NewConn(pipeDialer{}, transport.DefaultOptions()), Options{})
	simulateWelcome(p, "peer-1", "sess-1")
	simulateWelcome(p, "peer-1", "sess-1")
	if p.PeerID() != "peer-1" {
		t.Errorf("peerId = %q, want peer-1", p.PeerID())
	}
}

func TestWelcomeWithDifferentClientIDReplacesIdentity(t *testing.T) {
	p := New(transport.NewConn(pipeDialer{}, transport.DefaultOptions()), Options{})
	simulateWelcome(p, "peer-1", "sess-1")
	simulateWelcome(p, "peer-2", "sess-2")
	if p.PeerID() != "peer-2" {
		t.Errorf("peerId = %q, want peer-2 after replacement", p.PeerID())
	}
}

func TestBasicRequestResponse(t *testing.T) {
	peerA, peerB, cleanup := newConnectedPeerPair(t)
	defer cleanup()

	waitUntil(t, time.Second, func() bool { return peerA.conn.IsOpen() && peerB.conn.IsOpen() })

	peerB.Match(func(ctx context.Context, from string, data json.RawMessage) (any, error) {
		var req map[string]any
		json.Unmarshal(data, &req)
		if req["type"] != "score" {
			return nil, nil
		}
		return map[string]any{"type": "score", "score": 9001}, nil
	})

	resp, err := peerA.Request(context.Background(), "peerB", map[string]any{"type": "score"}, time.Second)
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(resp.Data, &got); err != nil {
		t.Fatalf("unmarshal response data: %v", err)
	}
	if got["score"] != float64(9001) {
		t.Errorf("score = %v, want 9001", got["score"])
	}
}

func TestRequestTimesOutWithNoResponder(t *testing.T) {
	peerA, _, cleanup := newConnectedPeerPair(t)
	defer cleanup()

	waitUntil(t, time.Second, func() bool { return peerA.conn.IsOpen() })

	start := time.Now()
	_, err := peerA.Request(context.Background(), "nobody", map[string]any{"type": "score"}, 200*time.Millisecond)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrRequestTimedOut) {
		t.Fatalf("err = %v, want ErrRequestTimedOut", err)
	}
	if elapsed < 200*time.Millisecond {
		t.Errorf("timed out too early: %v", elapsed)
	}
}

func TestSendIsFireAndForget(t *testing.T) {
	peerA, peerB, cleanup := newConnectedPeerPair(t)
	defer cleanup()

	waitUntil(t, time.Second, func() bool { return peerA.conn.IsOpen() && peerB.conn.IsOpen() })

	received := make(chan json.RawMessage, 1)
	peerB.Match(func(ctx context.Context, from string, data json.RawMessage) (any, error) {
		received <- data
		return nil, nil
	})

	if err := peerA.Send("peerB", map[string]any{"ping": true}); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("handler never received the fire-and-forget message")
	}
}
