// Package stream implements the per-connection stream multiplexer: the
// sender and receiver lifecycles for independent streams of typed data
// chunks multiplexed over one connection, with backpressure and
// pre-registration buffering. Grounded on the teacher's
// relay.Multiplexer/VirtualStream pair, generalized from a single
// connection-id keyed pub/sub into explicit Data/End/Error stream chunks
// with byte-count backpressure, per spec §4.5.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaynet/relay/envelope"
)

const (
	// DefaultMaxBufferedAmount is the outbound buffer occupancy threshold
	// a sender pauses above.
	DefaultMaxBufferedAmount = 1 << 20 // 1 MiB

	// DefaultBackpressureDelay is the poll interval while paused.
	DefaultBackpressureDelay = 10 * time.Millisecond

	// PendingBufferCap bounds the number of chunks held for a streamId
	// that has not yet been registered by a receiveStream call. Beyond
	// this, the oldest chunk is dropped.
	PendingBufferCap = 100

	// PendingBufferExpiry is how long an unregistered pending buffer is
	// kept before being dropped.
	PendingBufferExpiry = 10 * time.Second

	// sinkBufferCap must be >= PendingBufferCap so draining a pending
	// buffer into a freshly registered sink never blocks.
	sinkBufferCap = PendingBufferCap
)

var (
	// ErrStreamAborted is emitted when a send is cancelled before
	// requesting the next item from its iterator.
	ErrStreamAborted = errors.New("stream aborted")

	// ErrStreamAbortedDuringBackpressure is emitted when a send is
	// cancelled while paused for backpressure.
	ErrStreamAbortedDuringBackpressure = errors.New("stream aborted during backpressure wait")

	// ErrConnectionClosed is the terminal error handed to every
	// outstanding sender and sink when the owning connection closes.
	ErrConnectionClosed = errors.New("stream: connection closed")

	// ErrClosedByConsumer is the terminal error handed to a sink whose
	// consumer explicitly closed it via CloseReceivingStream.
	ErrClosedByConsumer = errors.New("stream: closed by consumer")
)

// ChunkWriter writes a stream chunk onto the underlying connection. The
// peer package supplies the concrete implementation.
type ChunkWriter interface {
	WriteStreamChunk(ctx context.Context, chunk envelope.StreamChunk) error
}

// BufferedAmount reports the outbound buffer occupancy, in bytes, of the
// underlying connection. A nil BufferedAmount disables backpressure
// pacing entirely (the sender never pauses).
type BufferedAmount interface {
	BufferedAmount() int
}

// Iterator produces the items of an outbound stream in order. Next
// returns io.EOF when the stream ends naturally; any other error aborts
// the stream with a StreamError carrying that error's message.
type Iterator interface {
	Next(ctx context.Context) ([]byte, error)
}

// SliceIterator adapts a pre-built slice of payloads to Iterator, for
// callers that already have all items in hand.
type SliceIterator struct {
	items []([]byte)
	pos   int
}

func NewSliceIterator(items [][]byte) *SliceIterator {
	return &SliceIterator{items: items}
}

func (it *SliceIterator) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if it.pos >= len(it.items) {
		return nil, io.EOF
	}
	item := it.items[it.pos]
	it.pos++
	return item, nil
}

// Options configures a Multiplexer's backpressure behavior.
type Options struct {
	MaxBufferedAmount int
	BackpressureDelay time.Duration
}

// DefaultOptions returns the spec's default thresholds.
func DefaultOptions() Options {
	return Options{
		MaxBufferedAmount: DefaultMaxBufferedAmount,
		BackpressureDelay: DefaultBackpressureDelay,
	}
}

type activeSend struct {
	cancel context.CancelFunc
}

type pendingBuffer struct {
	chunks      [][]byte
	terminal    *envelope.StreamChunk
	firstSeenAt time.Time
	expiryTimer *time.Timer
}

// Multiplexer owns the active-send, receiving, and pending-stream-buffer
// tables for a single connection. A Peer embeds exactly one Multiplexer.
type Multiplexer struct {
	writer  ChunkWriter
	buffered BufferedAmount
	opts    Options

	mu         sync.Mutex
	activeSend map[string]*activeSend
	receiving  map[string]*Sink
	pending    map[string]*pendingBuffer
}

func NewMultiplexer(writer ChunkWriter, buffered BufferedAmount, opts Options) *Multiplexer {
	if opts.MaxBufferedAmount <= 0 {
		opts.MaxBufferedAmount = DefaultMaxBufferedAmount
	}
	if opts.BackpressureDelay <= 0 {
		opts.BackpressureDelay = DefaultBackpressureDelay
	}
	return &Multiplexer{
		writer:     writer,
		buffered:   buffered,
		opts:       opts,
		activeSend: make(map[string]*activeSend),
		receiving:  make(map[string]*Sink),
		pending:    make(map[string]*pendingBuffer),
	}
}

// SendStream mints a streamId if none is supplied, registers active-send
// state, and runs the sender algorithm on its own goroutine. It returns
// immediately with the streamId and a channel that receives the stream's
// terminal error (nil on a natural StreamEnd) — callers that only care
// about fire-and-forget semantics, matching the spec's synchronous
// sendStream signature, may discard the channel.
func (m *Multiplexer) SendStream(ctx context.Context, iter Iterator, streamID string) (string, <-chan error) {
	if streamID == "" {
		streamID = uuid.Must(uuid.NewV7()).String()
	}

	sendCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.activeSend[streamID] = &activeSend{cancel: cancel}
	m.mu.Unlock()

	errCh := make(chan error, 1)
	go m.runSend(sendCtx, streamID, iter, errCh)

	return streamID, errCh
}

func (m *Multiplexer) runSend(ctx context.Context, streamID string, iter Iterator, errCh chan<- error) {
	defer func() {
		m.mu.Lock()
		delete(m.activeSend, streamID)
		m.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			m.finishSend(streamID, ErrStreamAborted, errCh)
			return
		default:
		}

		if err := m.waitForCapacity(ctx); err != nil {
			m.finishSend(streamID, err, errCh)
			return
		}

		item, err := iter.Next(ctx)
		if err == io.EOF {
			m.writer.WriteStreamChunk(context.Background(), envelope.StreamChunk{
				Type:     envelope.StreamEnd,
				StreamID: streamID,
			})
			errCh <- nil
			return
		}
		if err != nil {
			m.finishSend(streamID, err, errCh)
			return
		}

		if werr := m.writer.WriteStreamChunk(context.Background(), envelope.StreamChunk{
			Type:     envelope.StreamData,
			StreamID: streamID,
			Payload:  item,
		}); werr != nil {
			errCh <- werr
			return
		}
	}
}

func (m *Multiplexer) finishSend(streamID string, err error, errCh chan<- error) {
	m.writer.WriteStreamChunk(context.Background(), envelope.StreamChunk{
		Type:     envelope.StreamError,
		StreamID: streamID,
		Error:    err.Error(),
	})
	errCh <- err
}

func (m *Multiplexer) waitForCapacity(ctx context.Context) error {
	if m.buffered == nil {
		return nil
	}

	for m.buffered.BufferedAmount() > m.opts.MaxBufferedAmount {
		select {
		case <-ctx.Done():
			return ErrStreamAbortedDuringBackpressure
		case <-time.After(m.opts.BackpressureDelay):
		}
	}
	return nil
}

// Abort cancels an in-flight send, per spec "the sender-side has its own
// cancel path via abort(streamId)".
func (m *Multiplexer) Abort(streamID string) {
	m.mu.Lock()
	send, ok := m.activeSend[streamID]
	m.mu.Unlock()
	if ok {
		send.cancel()
	}
}

// ReceiveStream registers a consumer for streamId. If chunks already
// arrived and were buffered under the pending-stream buffer, they are
// drained into the returned Sink before it is returned; if that buffer
// already carried a terminator, the Sink is finished immediately and
// never registered for live delivery.
func (m *Multiplexer) ReceiveStream(streamID string) *Sink {
	sink := newSink()

	m.mu.Lock()
	buf, hasPending := m.pending[streamID]
	if hasPending {
		delete(m.pending, streamID)
		buf.expiryTimer.Stop()
	} else {
		m.receiving[streamID] = sink
	}
	m.mu.Unlock()

	if !hasPending {
		return sink
	}

	for _, c := range buf.chunks {
		sink.ch <- c
	}

	if buf.terminal == nil {
		m.mu.Lock()
		m.receiving[streamID] = sink
		m.mu.Unlock()
		return sink
	}

	if buf.terminal.Type == envelope.StreamEnd {
		sink.finish(nil)
	} else {
		sink.finish(fmt.Errorf("stream: %s", buf.terminal.Error))
	}
	return sink
}

// CloseReceivingStream deregisters streamId's sink (if any) and closes it
// with ErrClosedByConsumer, per spec "closeReceivingStream(streamId)".
func (m *Multiplexer) CloseReceivingStream(streamID string) {
	sink := m.deregisterReceiving(streamID)
	if sink != nil {
		sink.finish(ErrClosedByConsumer)
	}
}

func (m *Multiplexer) deregisterReceiving(streamID string) *Sink {
	m.mu.Lock()
	defer m.mu.Unlock()
	sink := m.receiving[streamID]
	delete(m.receiving, streamID)
	return sink
}

// Dispatch routes an incoming stream chunk to its registered Sink, or
// buffers it under the pending-stream buffer when no consumer has
// registered yet. Called serially from the peer's read loop, so a full
// registered Sink applies real backpressure: Dispatch blocks (bounded by
// ctx) until the consumer drains it or the connection is torn down.
func (m *Multiplexer) Dispatch(ctx context.Context, chunk envelope.StreamChunk) {
	m.mu.Lock()
	sink, registered := m.receiving[chunk.StreamID]
	m.mu.Unlock()

	if !registered {
		m.bufferPending(chunk)
		return
	}

	switch chunk.Type {
	case envelope.StreamData:
		sink.deliver(ctx, chunk.Payload)
	case envelope.StreamEnd:
		m.deregisterReceiving(chunk.StreamID)
		sink.finish(nil)
	case envelope.StreamError:
		m.deregisterReceiving(chunk.StreamID)
		sink.finish(fmt.Errorf("stream: %s", chunk.Error))
	}
}

func (m *Multiplexer) bufferPending(chunk envelope.StreamChunk) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf, ok := m.pending[chunk.StreamID]
	if !ok {
		buf = &pendingBuffer{firstSeenAt: time.Now()}
		streamID := chunk.StreamID
		buf.expiryTimer = time.AfterFunc(PendingBufferExpiry, func() {
			m.expirePending(streamID)
		})
		m.pending[chunk.StreamID] = buf
	}

	switch chunk.Type {
	case envelope.StreamData:
		buf.chunks = append(buf.chunks, chunk.Payload)
		if len(buf.chunks) > PendingBufferCap {
			buf.chunks = buf.chunks[1:]
		}
	case envelope.StreamEnd, envelope.StreamError:
		c := chunk
		buf.terminal = &c
	}
}

func (m *Multiplexer) expirePending(streamID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if buf, ok := m.pending[streamID]; ok {
		buf.expiryTimer.Stop()
		delete(m.pending, streamID)
		slog.Warn("pending stream buffer expired", "streamId", streamID)
	}
}

// CloseAll aborts every active send and errors every receiving sink with
// ErrConnectionClosed, per spec's connection-close lifecycle invariant.
func (m *Multiplexer) CloseAll() {
	m.mu.Lock()
	sends := make([]*activeSend, 0, len(m.activeSend))
	for _, s := range m.activeSend {
		sends = append(sends, s)
	}
	sinks := make([]*Sink, 0, len(m.receiving))
	for _, s := range m.receiving {
		sinks = append(sinks, s)
	}
	m.activeSend = make(map[string]*activeSend)
	m.receiving = make(map[string]*Sink)
	for _, buf := range m.pending {
		buf.expiryTimer.Stop()
	}
	m.pending = make(map[string]*pendingBuffer)
	m.mu.Unlock()

	for _, s := range sends {
		s.cancel()
	}
	for _, s := range sinks {
		s.finish(ErrConnectionClosed)
	}
}
