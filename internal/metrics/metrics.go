package metrics

import "sync"

// Broker event counters. Forwarding is fire-and-forget, so drops are counted
// rather than surfaced to clients.
const (
	RoomJoin         = "room_join"
	PeerJoinedSent   = "peer_joined_sent"
	PeerDisconnect   = "peer_disconnect"
	ForwardOffer     = "forward_offer"
	ForwardAnswer    = "forward_answer"
	ForwardCandidate = "forward_candidate"

	DropReasonNoRoom      = "drop_no_room"
	DropReasonSlowPeer    = "drop_slow_peer"
	DropReasonRateLimited = "drop_rate_limited"
	DropReasonBadMessage  = "drop_bad_message"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The broker's observability needs are a handful of monotonic counters; this
// keeps routing logic testable without pulling in a metrics SDK, while the
// Prometheus text handler makes the counters scrapeable.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
