// Package peer implements the RPC peer protocol layered on transport.Conn:
// request/response correlation by requestId, the welcome handshake,
// inbound request dispatch via match handlers, and stream send/receive
// delegated to stream.Multiplexer. Grounded on the teacher's
// ws.rpcMethodHandler/ws.rpcConnState dispatch loop and the request shape
// of relay.Client/relay.Manager, generalized from a single cloud-tunnel
// JSON-RPC 2.0 exchange into the fabric's own envelope protocol.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaynet/relay/closecode"
	"github.com/relaynet/relay/envelope"
	"github.com/relaynet/relay/logger"
	"github.com/relaynet/relay/stream"
	"github.com/relaynet/relay/transport"
)

const (
	// DefaultRequestTimeout is applied to request/call when the caller
	// does not override it. Per spec §9 this adopts the newer
	// shared/RpcPeer.ts default (4000 ms) over the older shared/socket.ts
	// default (10000 ms).
	DefaultRequestTimeout = 4 * time.Second

	// DefaultWelcomeTimeout bounds waitForWelcome.
	DefaultWelcomeTimeout = 4 * time.Second

	// DefaultCloseTimeout bounds Close at the peer level. It is longer
	// than transport.DefaultCloseTimeout because it also has to absorb
	// the multiplexer's CloseAll fanout.
	DefaultCloseTimeout = 4 * time.Second
)

var (
	// ErrRequestTimedOut is returned by Request/Call and WaitForWelcome
	// when their deadline elapses first.
	ErrRequestTimedOut = errors.New("peer: request timed out")

	// ErrConnectionClosed is returned to every pending request when the
	// underlying connection closes before a response arrives.
	ErrConnectionClosed = errors.New("peer: connection closed")

	// ErrInvalidResponseData is returned when a response payload fails
	// the caller-supplied response validator.
	ErrInvalidResponseData = errors.New("peer: invalid response data")

	// ErrInvalidRequestData is logged (not returned — inbound request
	// validation failures never propagate to the sender) when an inbound
	// request payload fails the configured request validator.
	ErrInvalidRequestData = errors.New("peer: invalid request data")
)

// RequestHandler is registered via Match. It receives the validated
// request payload and the sender's peerId. A non-nil return value is
// automatically sent back via RespondTo; an error is logged and no
// response is sent, so the requester eventually times out.
type RequestHandler func(ctx context.Context, from string, data json.RawMessage) (any, error)

type pendingRequest struct {
	resolve chan envelope.Envelope
	timer   *time.Timer
}

// Peer wraps one transport.Conn with request/response correlation, a
// welcome handshake, inbound request dispatch, and stream multiplexing.
type Peer struct {
	conn *transport.Conn
	mux  *stream.Multiplexer

	reqValidator  envelope.Validator[json.RawMessage]
	respValidator envelope.Validator[json.RawMessage]

	mu        sync.Mutex
	peerID    string
	sessionID string
	welcomed  bool
	pending   map[string]*pendingRequest

	welcomeMu  sync.Mutex
	welcomeSig chan struct{}

	handlerMu sync.Mutex
	handler   RequestHandler

	log *slog.Logger
}

// Options configures validators applied at the protocol boundary. Nil
// validators default to envelope.NopValidator.
type Options struct {
	RequestValidator  envelope.Validator[json.RawMessage]
	ResponseValidator envelope.Validator[json.RawMessage]
	Logger            *slog.Logger
}

// chunkWriterAdapter lets Peer itself satisfy stream.ChunkWriter by
// marshalling a StreamChunk and handing it to the underlying transport.
type chunkWriterAdapter struct{ conn *transport.Conn }

func (a chunkWriterAdapter) WriteStreamChunk(_ context.Context, chunk envelope.StreamChunk) error {
	raw, err := envelope.MarshalStreamChunk(chunk)
	if err != nil {
		return err
	}
	result := a.conn.Send(raw)
	if result == transport.Failed {
		return ErrConnectionClosed
	}
	return nil
}

// bufferedAmountAdapter exposes transport.Conn's underlying socket's
// BufferedAmount, when the socket implements stream.BufferedAmount, to
// the multiplexer. Sockets that don't (e.g. the test fakes) disable
// backpressure pacing.
type bufferedAmountAdapter struct{ conn *transport.Conn }

func (a bufferedAmountAdapter) BufferedAmount() int {
	if b, ok := a.conn.Socket().(stream.BufferedAmount); ok {
		return b.BufferedAmount()
	}
	return 0
}

// New wires a Peer around an already-constructed transport.Conn. Callers
// are responsible for calling conn.Start before New's welcome/request
// machinery can make progress.
func New(conn *transport.Conn, opts Options) *Peer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RequestValidator == nil {
		opts.RequestValidator = envelope.NopValidator[json.RawMessage]{}
	}
	if opts.ResponseValidator == nil {
		opts.ResponseValidator = envelope.NopValidator[json.RawMessage]{}
	}

	p := &Peer{
		conn:          conn,
		reqValidator:  opts.RequestValidator,
		respValidator: opts.ResponseValidator,
		pending:       make(map[string]*pendingRequest),
		welcomeSig:    make(chan struct{}),
		log:           opts.Logger,
	}
	p.mux = stream.NewMultiplexer(chunkWriterAdapter{conn: conn}, bufferedAmountAdapter{conn: conn}, stream.DefaultOptions())

	conn.AddListener(transport.EventMessage, p.onMessage, false)
	conn.AddListener(transport.EventClose, p.onClose, false)

	return p
}

func (p *Peer) onMessage(ev transport.Event) {
	if envelope.IsStreamChunk(ev.Data) {
		chunk, err := envelope.ParseStreamChunk(ev.Data)
		if err != nil {
			p.log.Warn("dropping malformed stream chunk", "error", err)
			return
		}
		p.mux.Dispatch(context.Background(), chunk)
		return
	}

	env, err := envelope.Parse(ev.Data)
	if err != nil {
		p.log.Warn("dropping malformed envelope", "error", err)
		return
	}
	if !envelope.KnownCategory(env.Category) {
		p.log.Warn("dropping envelope with unknown category", "category", env.Category)
		return
	}

	switch env.Category {
	case envelope.CategoryWelcome:
		p.handleWelcome(env)
	case envelope.CategoryRequest:
		p.handleRequest(env)
	case envelope.CategoryResponse:
		p.handleResponse(env)
	case envelope.CategoryPing:
		p.handlePing(env)
	case envelope.CategoryPong:
		// No action required; pong is purely a liveness acknowledgement.
	case envelope.CategoryError:
		p.log.Warn("relay error envelope", "error", env.Error, "targetId", env.TargetID)
	}
}

// handleWelcome implements the idempotent-safe welcome state machine: a
// repeated welcome with the same clientId is a no-op; one with a
// different clientId replaces the identity. Pending requests remain
// valid either way since they are keyed by requestId, not peerId.
func (p *Peer) handleWelcome(env envelope.Envelope) {
	p.mu.Lock()
	if p.welcomed && p.peerID == env.ClientID {
		p.mu.Unlock()
		return
	}
	p.peerID = env.ClientID
	p.sessionID = env.SessionID
	wasWelcomed := p.welcomed
	p.welcomed = true
	p.mu.Unlock()

	if !wasWelcomed {
		p.welcomeMu.Lock()
		close(p.welcomeSig)
		p.welcomeMu.Unlock()
	}
}

func (p *Peer) handleRequest(env envelope.Envelope) {
	if _, err := p.reqValidator.Validate(env.Data); err != nil {
		p.log.Warn("inbound request failed validation", "error", fmt.Errorf("%w: %w", ErrInvalidRequestData, err), "from", env.From)
		return
	}

	p.handlerMu.Lock()
	handler := p.handler
	p.handlerMu.Unlock()
	if handler == nil {
		return
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.LogPanic(r, "match handler panicked", "requestId", env.RequestID)
			}
		}()

		result, err := handler(context.Background(), env.From, env.Data)
		if err != nil {
			p.log.Error("match handler failed", "error", err, "requestId", env.RequestID)
			return
		}
		if result == nil {
			return
		}
		if err := p.RespondTo(env, result); err != nil {
			p.log.Error("failed to send response", "error", err, "requestId", env.RequestID)
		}
	}()
}

func (p *Peer) handleResponse(env envelope.Envelope) {
	p.mu.Lock()
	entry, ok := p.pending[env.RequestID]
	if ok {
		delete(p.pending, env.RequestID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	entry.timer.Stop()

	if _, err := p.respValidator.Validate(env.Data); err != nil {
		p.log.Warn("response failed validation", "error", err, "requestId", env.RequestID)
		entry.resolve <- envelope.Envelope{Category: envelope.CategoryError, RequestID: env.RequestID, Error: ErrInvalidResponseData.Error()}
		return
	}
	entry.resolve <- env
}

func (p *Peer) handlePing(env envelope.Envelope) {
	raw, err := envelope.Marshal(envelope.Envelope{Category: envelope.CategoryPong, Timestamp: env.Timestamp})
	if err != nil {
		return
	}
	p.conn.Send(raw)
}

// onClose fails every pending request and tears down the multiplexer on
// every close event of the underlying connection, including one that a
// successful reconnect follows: requests and streams from before the
// reconnect are still failed (only the transport queues across
// reconnects).
func (p *Peer) onClose(ev transport.Event) {
	p.mu.Lock()
	pending := p.pending
	p.pending = make(map[string]*pendingRequest)
	p.mu.Unlock()

	for _, entry := range pending {
		entry.timer.Stop()
		entry.resolve <- envelope.Envelope{Category: envelope.CategoryError, Error: ErrConnectionClosed.Error()}
	}

	p.mux.CloseAll()
}

// WaitForWelcome blocks until a welcome envelope has been received,
// returning the assigned peerId, or ErrRequestTimedOut if timeout
// elapses first. timeout<=0 uses DefaultWelcomeTimeout.
func (p *Peer) WaitForWelcome(ctx context.Context, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultWelcomeTimeout
	}

	p.mu.Lock()
	if p.welcomed {
		id := p.peerID
		p.mu.Unlock()
		return id, nil
	}
	p.mu.Unlock()

	select {
	case <-p.welcomeSig:
		p.mu.Lock()
		id := p.peerID
		p.mu.Unlock()
		return id, nil
	case <-time.After(timeout):
		return "", ErrRequestTimedOut
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// PeerID returns the currently assigned peerId, or "" before the first
// welcome.
func (p *Peer) PeerID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerID
}

// Send wraps data as a request envelope with a fresh requestId and
// transmits it without creating a pending entry: fire-and-forget, no
// response is awaited.
func (p *Peer) Send(to string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	env := envelope.Envelope{
		Category:  envelope.CategoryRequest,
		RequestID: uuid.Must(uuid.NewV7()).String(),
		From:      p.PeerID(),
		To:        to,
		Data:      raw,
	}
	return p.transmit(env)
}

// Request sends data as a request to peer `to` and blocks for the
// matching response, up to timeout (<=0 uses DefaultRequestTimeout).
// Call is an alias kept for callers that prefer RPC terminology.
func (p *Peer) Request(ctx context.Context, to string, data any, timeout time.Duration) (envelope.Envelope, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return envelope.Envelope{}, err
	}

	requestID := uuid.Must(uuid.NewV7()).String()
	env := envelope.Envelope{
		Category:  envelope.CategoryRequest,
		RequestID: requestID,
		From:      p.PeerID(),
		To:        to,
		Data:      raw,
	}

	resolve := make(chan envelope.Envelope, 1)
	entry := &pendingRequest{resolve: resolve}
	entry.timer = time.AfterFunc(timeout, func() {
		p.mu.Lock()
		_, stillPending := p.pending[requestID]
		if stillPending {
			delete(p.pending, requestID)
		}
		p.mu.Unlock()
		if stillPending {
			resolve <- envelope.Envelope{Category: envelope.CategoryError, RequestID: requestID, Error: ErrRequestTimedOut.Error()}
		}
	})

	p.mu.Lock()
	p.pending[requestID] = entry
	p.mu.Unlock()

	if err := p.transmit(env); err != nil {
		p.mu.Lock()
		delete(p.pending, requestID)
		p.mu.Unlock()
		entry.timer.Stop()
		return envelope.Envelope{}, err
	}

	select {
	case resp := <-resolve:
		if resp.Category == envelope.CategoryError {
			return envelope.Envelope{}, classifyRequestError(resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		return envelope.Envelope{}, ctx.Err()
	}
}

// Call is an alias for Request, per spec §4.3.
func (p *Peer) Call(ctx context.Context, to string, data any, timeout time.Duration) (envelope.Envelope, error) {
	return p.Request(ctx, to, data, timeout)
}

// RespondTo wraps payload as a response envelope correlated to
// originalRequest's requestId and addressed back to its sender.
func (p *Peer) RespondTo(originalRequest envelope.Envelope, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env := envelope.Envelope{
		Category:  envelope.CategoryResponse,
		RequestID: originalRequest.RequestID,
		From:      p.PeerID(),
		To:        originalRequest.From,
		Data:      raw,
	}
	return p.transmit(env)
}

// Match registers handler for every inbound request envelope. Only one
// handler may be registered at a time; a later call replaces the
// earlier one, matching the teacher's single-dispatch-table pattern in
// ws.rpcMethodHandler.
func (p *Peer) Match(handler RequestHandler) {
	p.handlerMu.Lock()
	p.handler = handler
	p.handlerMu.Unlock()
}

// classifyRequestError maps the string carried by a locally-synthesized
// error envelope (timeout, connection loss) back to its sentinel error
// so callers can use errors.Is. Error envelopes that actually arrived
// from the relay (Unauthorized, TargetPeerNotFound, ...) have no local
// sentinel and are returned as plain errors.
func classifyRequestError(msg string) error {
	switch msg {
	case ErrRequestTimedOut.Error():
		return ErrRequestTimedOut
	case ErrConnectionClosed.Error():
		return ErrConnectionClosed
	case ErrInvalidResponseData.Error():
		return ErrInvalidResponseData
	default:
		return fmt.Errorf("peer: %s", msg)
	}
}

func (p *Peer) transmit(env envelope.Envelope) error {
	raw, err := envelope.Marshal(env)
	if err != nil {
		return err
	}
	if result := p.conn.Send(raw); result == transport.Failed {
		return ErrConnectionClosed
	}
	return nil
}

// SendStream starts an outbound stream addressed implicitly by streamId;
// see stream.Multiplexer.SendStream.
func (p *Peer) SendStream(ctx context.Context, iter stream.Iterator, streamID string) (string, <-chan error) {
	return p.mux.SendStream(ctx, iter, streamID)
}

// ReceiveStream registers a consumer for streamId; see
// stream.Multiplexer.ReceiveStream.
func (p *Peer) ReceiveStream(streamID string) *stream.Sink {
	return p.mux.ReceiveStream(streamID)
}

// AbortStream cancels an in-flight outbound stream.
func (p *Peer) AbortStream(streamID string) {
	p.mux.Abort(streamID)
}

// CloseReceivingStream deregisters and closes a receiving stream early.
func (p *Peer) CloseReceivingStream(streamID string) {
	p.mux.CloseReceivingStream(streamID)
}

// Close sends the given close code/reason, awaiting the close event up
// to timeout (<=0 uses DefaultCloseTimeout), and tears down every
// outstanding stream.
func (p *Peer) Close(code closecode.Code, reason string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultCloseTimeout
	}
	p.mux.CloseAll()
	return p.conn.Close(int(code), reason, timeout)
}

// Dispose closes the peer and disposes its underlying transport,
// releasing queued frames and listener registrations.
func (p *Peer) Dispose() {
	p.mux.CloseAll()
	p.conn.Dispose()
}
