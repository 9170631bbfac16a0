// Package relay implements the relay routing engine: the WebSocket
// upgrade path, the route/session/rate-limit tables, and per-frame
// dispatch (direct-to-peer or topic broadcast). Grounded on the
// teacher's relay.Manager connection lifecycle and ws.Handler/
// ws.RPCHandler upgrade-and-cleanup shape, generalized from the
// teacher's single fixed topic/session design to the spec's
// multi-topic, pluggable-auth design.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/relaynet/relay/auth"
	"github.com/relaynet/relay/closecode"
	"github.com/relaynet/relay/envelope"
)

const (
	// DefaultMaxMessageSize is the per-frame size cap, per spec §4.4 step 1.
	DefaultMaxMessageSize = 1 << 20

	// DefaultTopic is where a connection with an empty upgrade path lands.
	DefaultTopic = "none"

	// readLimitSlack pads SetReadLimit above MaxMessageSize to absorb
	// envelope framing overhead around the payload the size gate measures.
	readLimitSlack = 1024
)

var (
	// ErrTargetPeerNotFound is surfaced to the sender as an error envelope,
	// never returned from Go APIs directly; exported for tests that want
	// to match on the error envelope text.
	ErrTargetPeerNotFound = errors.New("target peer not found")

	errForbiddenPath = errors.New("relay: forbidden path")
)

// Options configures a Relay.
type Options struct {
	Auth               auth.CredentialValidator
	Rules              auth.Rules
	MaxMessageSize     int
	SessionPersistence bool
	RateLimitEnabled   bool
	Logger             *slog.Logger
}

// connRecord is the per-accepted-connection bookkeeping the route table
// and dispatch loop need.
type connRecord struct {
	peerID    string
	userID    string
	topic     string
	sessionID string
	conn      *websocket.Conn

	writeMu sync.Mutex
}

// Relay accepts inbound connections over HTTP/WebSocket and routes
// envelopes between them according to topic subscription and direct
// addressing. One Relay owns one route table, one session table, and
// one rate-limit table; it has no notion of "the" server process, so a
// test can run many Relays in one binary.
type Relay struct {
	opts Options
	log  *slog.Logger

	mu       sync.RWMutex
	routes   map[string]*connRecord   // peerId -> connRecord
	topics   map[string]map[string]bool // topic -> set of peerId
	sessions map[string]string        // sessionId -> peerId

	limiter *auth.Limiter
}

// New constructs a Relay. A nil Rules defaults to auth.AllowAllRules with
// a rate limit of 1000 messages per second; rate limits are enforced only
// when RateLimitEnabled is set. MaxMessageSize <= 0 uses
// DefaultMaxMessageSize.
func New(opts Options) *Relay {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	if opts.Rules == nil {
		opts.Rules = auth.AllowAllRules{RateLimit: 1000}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Relay{
		opts:     opts,
		log:      opts.Logger,
		routes:   make(map[string]*connRecord),
		topics:   make(map[string]map[string]bool),
		sessions: make(map[string]string),
		limiter:  auth.NewLimiter(opts.Rules),
	}
}

// ServeHTTP implements the upgrade path of spec §4.4.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if strings.Contains(req.URL.Path, "..") {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	token := auth.ExtractToken(req)
	authResult, err := r.opts.Auth.Validate(req.Context(), token, req)
	if err != nil {
		r.log.Warn("credential validation error", "error", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if authResult == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	topic := strings.TrimPrefix(req.URL.Path, "/")
	if topic == "" {
		topic = DefaultTopic
	}
	if !r.opts.Rules.CanSubscribeToTopic(authResult.UserID, topic) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	peerID, sessionID, restored := r.resolveIdentity(req)

	conn, err := websocket.Accept(w, req, nil)
	if err != nil {
		r.log.Error("websocket accept failed", "error", err)
		return
	}
	// coder/websocket defaults to a 32KB read limit; without raising it,
	// any frame between that and MaxMessageSize would fail Read and tear
	// the connection down instead of being delivered or rejected with an
	// error envelope by the size gate in handleFrame.
	conn.SetReadLimit(int64(r.opts.MaxMessageSize) + readLimitSlack)

	rec := &connRecord{peerID: peerID, userID: authResult.UserID, topic: topic, sessionID: sessionID, conn: conn}
	r.onOpen(rec, restored)
	defer r.onClose(rec)

	r.readLoop(req.Context(), rec)
}

func (r *Relay) resolveIdentity(req *http.Request) (peerID, sessionID string, restored bool) {
	if r.opts.SessionPersistence {
		if requested := req.URL.Query().Get("sessionId"); requested != "" {
			r.mu.RLock()
			existing, ok := r.sessions[requested]
			r.mu.RUnlock()
			if ok {
				return existing, requested, true
			}
		}
	}
	return uuid.Must(uuid.NewV7()).String(), uuid.Must(uuid.NewV7()).String(), false
}

func (r *Relay) onOpen(rec *connRecord, restored bool) {
	r.mu.Lock()
	r.routes[rec.peerID] = rec
	if r.topics[rec.topic] == nil {
		r.topics[rec.topic] = make(map[string]bool)
	}
	r.topics[rec.topic][rec.peerID] = true
	if r.opts.SessionPersistence {
		r.sessions[rec.sessionID] = rec.peerID
	}
	r.mu.Unlock()

	welcome := envelope.Envelope{
		Category:        envelope.CategoryWelcome,
		ClientID:        rec.peerID,
		SessionID:       rec.sessionID,
		RestoredSession: restored,
	}
	r.writeEnvelope(context.Background(), rec, welcome)
}

func (r *Relay) onClose(rec *connRecord) {
	r.mu.Lock()
	delete(r.routes, rec.peerID)
	if set := r.topics[rec.topic]; set != nil {
		delete(set, rec.peerID)
		if len(set) == 0 {
			delete(r.topics, rec.topic)
		}
	}
	if !r.opts.SessionPersistence {
		delete(r.sessions, rec.sessionID)
	}
	r.mu.Unlock()

	r.limiter.Clear(rateLimitKey(rec.userID, rec.peerID))
}

func rateLimitKey(userID, peerID string) string {
	if userID != "" {
		return userID
	}
	return peerID
}

func (r *Relay) readLoop(ctx context.Context, rec *connRecord) {
	for {
		typ, data, err := rec.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		r.handleFrame(ctx, rec, data)
	}
}

func (r *Relay) handleFrame(ctx context.Context, rec *connRecord, data []byte) {
	if len(data) > r.opts.MaxMessageSize {
		r.writeEnvelope(ctx, rec, errEnvelope("message exceeds maximum size"))
		return
	}

	if r.opts.RateLimitEnabled {
		key := rateLimitKey(rec.userID, rec.peerID)
		if !r.limiter.Allow(key, rec.userID, time.Now()) {
			r.writeEnvelope(ctx, rec, errEnvelope("rate limit exceeded"))
			return
		}
	}

	env, err := envelope.Parse(data)
	if err != nil {
		// Per spec §4.4 step 3: frames that don't parse as an envelope
		// are published raw to the topic. Retained deliberately — see
		// DESIGN.md's "legacy raw broadcast" decision — and logged at
		// Warn so operators can track how often clients still trigger it.
		r.log.Warn("legacy raw broadcast: frame did not parse as an envelope", "peerId", rec.peerID, "topic", rec.topic)
		r.broadcastRaw(ctx, rec, data)
		return
	}

	switch env.Category {
	case envelope.CategoryPing:
		r.writeEnvelope(ctx, rec, envelope.Envelope{Category: envelope.CategoryPong, Timestamp: env.Timestamp})
		return
	case envelope.CategoryPong:
		return
	}

	if env.To != "" {
		r.dispatchDirect(ctx, rec, env, data)
		return
	}
	r.dispatchBroadcast(ctx, rec, data)
}

func (r *Relay) dispatchDirect(ctx context.Context, rec *connRecord, env envelope.Envelope, raw []byte) {
	if !r.opts.Rules.CanMessagePeer(rec.userID, env.To) {
		r.writeEnvelope(ctx, rec, errEnvelope("not authorized to message this peer"))
		return
	}

	r.mu.RLock()
	target, ok := r.routes[env.To]
	r.mu.RUnlock()

	if !ok {
		env := envelope.Envelope{Category: envelope.CategoryError, Error: ErrTargetPeerNotFound.Error(), TargetID: env.To}
		r.writeEnvelope(ctx, rec, env)
		return
	}

	r.writeRaw(ctx, target, raw)
}

func (r *Relay) dispatchBroadcast(ctx context.Context, rec *connRecord, raw []byte) {
	if !r.opts.Rules.CanPublishToTopic(rec.userID, rec.topic) {
		r.writeEnvelope(ctx, rec, errEnvelope("not authorized to publish to this topic"))
		return
	}
	r.broadcastRaw(ctx, rec, raw)
}

func (r *Relay) broadcastRaw(ctx context.Context, sender *connRecord, raw []byte) {
	r.mu.RLock()
	subscribers := r.topics[sender.topic]
	targets := make([]*connRecord, 0, len(subscribers))
	for peerID := range subscribers {
		if peerID == sender.peerID {
			continue
		}
		if rec, ok := r.routes[peerID]; ok {
			targets = append(targets, rec)
		}
	}
	r.mu.RUnlock()

	for _, t := range targets {
		r.writeRaw(ctx, t, raw)
	}
}

func errEnvelope(msg string) envelope.Envelope {
	return envelope.Envelope{Category: envelope.CategoryError, Error: msg}
}

func (r *Relay) writeEnvelope(ctx context.Context, rec *connRecord, env envelope.Envelope) {
	raw, err := envelope.Marshal(env)
	if err != nil {
		return
	}
	r.writeRaw(ctx, rec, raw)
}

// writeRaw never retries: per spec §4.4, "the relay never retries
// delivery; messages to a peer that has disconnected between lookup and
// write are silently lost."
func (r *Relay) writeRaw(ctx context.Context, rec *connRecord, raw []byte) {
	rec.writeMu.Lock()
	defer rec.writeMu.Unlock()
	if err := rec.conn.Write(ctx, websocket.MessageText, raw); err != nil {
		r.log.Debug("write failed, dropping", "peerId", rec.peerID, "error", err)
	}
}

// RouteCount, SessionCount, and RateLimitKeyCount back the /debug/relay
// administrative snapshot.
func (r *Relay) RouteCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}

func (r *Relay) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Relay) RateLimitKeyCount() int {
	return r.limiter.Len()
}

// Snapshot is the JSON body for GET /debug/relay.
type Snapshot struct {
	Routes        int `json:"routes"`
	Sessions      int `json:"sessions"`
	RateLimitKeys int `json:"rateLimitKeys"`
}

func (r *Relay) snapshot() Snapshot {
	return Snapshot{Routes: r.RouteCount(), Sessions: r.SessionCount(), RateLimitKeys: r.RateLimitKeyCount()}
}

// DebugHandler serves the JSON snapshot used by GET /debug/relay.
func (r *Relay) DebugHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(r.snapshot())
	})
}

// HealthHandler serves GET /healthz: 200 as long as the relay is
// accepting connections, matching the teacher's GET /health contract.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
}

// CloseAll forcibly closes every connection with the given close code,
// used on server shutdown. Per spec §9's "forced abort" decision this
// cancels in-flight sends rather than waiting for them to drain, fixing
// the original implementation's flagged stop(true) hang.
func (r *Relay) CloseAll(code closecode.Code, reason string) {
	r.mu.RLock()
	recs := make([]*connRecord, 0, len(r.routes))
	for _, rec := range r.routes {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	for _, rec := range recs {
		rec.conn.Close(code, reason)
	}
}
