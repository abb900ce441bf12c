package signaling

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peerwave/peerwave/internal/metrics"
	"github.com/peerwave/peerwave/internal/origin"
	"github.com/peerwave/peerwave/internal/ratelimit"
	"github.com/peerwave/peerwave/internal/rooms"
)

// Config wires together the runtime dependencies for the signaling broker.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// AllowedOrigins is the browser Origin allowlist for the WebSocket
	// upgrade. Empty means same-host only; requests without an Origin header
	// (non-browser clients) are always accepted.
	AllowedOrigins []string

	// Inbound hardening. Zero values fall back to conservative defaults.
	IdleTimeout          time.Duration
	PingInterval         time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	// SendBufferMessages is the per-connection outbound queue depth.
	SendBufferMessages int
}

// Server terminates the broker's client connections: it admits peers into
// rooms, notifies existing members of a new arrival, and relays offer, answer,
// and candidate messages to the other members of the sender's current room.
//
// The broker never parses payload bodies and never retries a delivery.
// Whether an expected answer ever arrives is a liveness concern for the
// clients' negotiation engines, not for the broker.
type Server struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	allowedOrigins []string

	idleTimeout          time.Duration
	pingInterval         time.Duration
	maxMessageBytes      int64
	maxMessagesPerSecond int
	sendBufferMessages   int

	upgrader websocket.Upgrader
	registry *rooms.Registry[*peer]

	mu     sync.Mutex
	peers  map[*peer]struct{}
	closed bool
}

func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}

	s := &Server{
		log:     log,
		metrics: m,

		allowedOrigins: cfg.AllowedOrigins,

		idleTimeout:          cfg.IdleTimeout,
		pingInterval:         cfg.PingInterval,
		maxMessageBytes:      cfg.MaxMessageBytes,
		maxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		sendBufferMessages:   cfg.SendBufferMessages,

		registry: rooms.NewRegistry[*peer](),
		peers:    make(map[*peer]struct{}),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWS)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Registry exposes room membership for observability.
func (s *Server) Registry() *rooms.Registry[*peer] {
	return s.registry
}

// Close disconnects every connected peer. The per-connection handlers take
// care of registry eviction on their way out.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.shutdown()
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Origin"))
	if header == "" {
		return true
	}
	normalized, originHost, ok := origin.Normalize(header)
	if !ok {
		return false
	}
	return origin.IsAllowed(normalized, originHost, r.Host, s.allowedOrigins)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	id, err := newPeerID()
	if err != nil {
		_ = conn.Close()
		return
	}

	p := newPeer(id, conn, s.log.With("peer", id), s.sendBuffer())
	if !s.track(p) {
		p.shutdown()
		return
	}

	s.log.Debug("peer connected", "peer", id, "remote_addr", r.RemoteAddr)

	go p.writePump(s.ping())
	s.readLoop(p)
}

// readLoop interprets one connection's message stream until the transport
// closes. On exit the peer is evicted from its room and never hears from the
// broker again; rejoining after a disconnect is indistinguishable from a
// fresh join.
func (s *Server) readLoop(p *peer) {
	defer func() {
		if roomID, ok := s.registry.Leave(p); ok {
			s.log.Debug("peer left room", "peer", p.id, "room", roomID)
		}
		s.untrack(p)
		p.shutdown()
		s.metrics.Inc(metrics.PeerDisconnect)
		s.log.Debug("peer disconnected", "peer", p.id)
	}()

	conn := p.conn
	conn.SetReadLimit(s.maxBytes())
	_ = conn.SetReadDeadline(time.Now().Add(s.idle()))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.idle()))
	})

	limiter := ratelimit.NewTokenBucket(ratelimit.RealClock{}, int64(s.maxRate()), int64(s.maxRate()))

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.idle()))

		// The limit applies after the read so bytes already buffered by the
		// kernel are consumed before any close frame goes out.
		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.DropReasonRateLimited)
			s.closeWith(p, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			s.closeWith(p, websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := parseEnvelope(data)
		if err != nil {
			s.metrics.Inc(metrics.DropReasonBadMessage)
			s.closeWith(p, websocket.ClosePolicyViolation, "bad message")
			return
		}

		switch msg.Type {
		case messageTypeJoin:
			s.handleJoin(p, msg.RoomID)
		case messageTypeOffer, messageTypeAnswer, messageTypeCandidate:
			s.forward(p, msg)
		}
	}
}

// handleJoin admits p into roomID and notifies the members that were already
// present. The joining peer itself gets no notification. A join while already
// in another room moves the membership; the old room's remaining members are
// not told (known gap, kept to match the observed relay).
func (s *Server) handleJoin(p *peer, roomID string) {
	others := s.registry.Join(roomID, p)
	s.metrics.Inc(metrics.RoomJoin)
	s.log.Info("peer joined room", "peer", p.id, "room", roomID, "others", len(others))

	for _, other := range others {
		if other.trySend(peerJoinedBytes) {
			s.metrics.Inc(metrics.PeerJoinedSent)
		} else {
			s.metrics.Inc(metrics.DropReasonSlowPeer)
		}
	}
}

// forward relays an offer/answer/candidate to every other member of the
// sender's current room. A sender with no room is a silent no-op: the broker
// never surfaces routing errors back to clients, it only drops or forwards.
func (s *Server) forward(p *peer, msg envelope) {
	if _, ok := s.registry.RoomOf(p); !ok {
		s.metrics.Inc(metrics.DropReasonNoRoom)
		s.log.Debug("dropping message from roomless peer", "peer", p.id, "type", string(msg.Type))
		return
	}

	out, err := msg.forwardBytes()
	if err != nil {
		s.metrics.Inc(metrics.DropReasonBadMessage)
		return
	}

	for _, other := range s.registry.Peers(p) {
		if other.trySend(out) {
			s.metrics.Inc(forwardMetric(msg.Type))
		} else {
			s.metrics.Inc(metrics.DropReasonSlowPeer)
		}
	}
}

func (s *Server) closeWith(p *peer, code int, reason string) {
	// WriteControl is documented safe to call concurrently with the write pump.
	_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	p.shutdown()
}

func (s *Server) track(p *peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.peers[p] = struct{}{}
	return true
}

func (s *Server) untrack(p *peer) {
	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()
}

func (s *Server) idle() time.Duration {
	if s.idleTimeout <= 0 {
		return 60 * time.Second
	}
	return s.idleTimeout
}

func (s *Server) ping() time.Duration {
	if s.pingInterval <= 0 || s.pingInterval >= s.idle() {
		return s.idle() * 9 / 10
	}
	return s.pingInterval
}

func (s *Server) maxBytes() int64 {
	if s.maxMessageBytes <= 0 {
		return 64 * 1024
	}
	return s.maxMessageBytes
}

func (s *Server) maxRate() int {
	if s.maxMessagesPerSecond <= 0 {
		return 50
	}
	return s.maxMessagesPerSecond
}

func (s *Server) sendBuffer() int {
	if s.sendBufferMessages <= 0 {
		return 32
	}
	return s.sendBufferMessages
}

func forwardMetric(t messageType) string {
	switch t {
	case messageTypeOffer:
		return metrics.ForwardOffer
	case messageTypeAnswer:
		return metrics.ForwardAnswer
	default:
		return metrics.ForwardCandidate
	}
}

func newPeerID() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate peer id: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}
