package metrics

import "sync"

// Relay event names.
const (
	ConnectionsOpened = "connections_opened"
	ConnectionsClosed = "connections_closed"
	ConnectionsActive = "connections_active"

	FramesReceived  = "frames_received"
	FramesForwarded = "frames_forwarded"
	FramesDelivered = "frames_delivered"

	SendQueueDrops = "send_queue_drops"
	SendErrors     = "send_errors"

	SignalingRateLimited = "signaling_rate_limited"
	OriginRejected       = "origin_rejected"
)

// Metrics is a minimal, concurrency-safe counter registry.
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

// Dec decrements a gauge-like counter, saturating at zero.
func (m *Metrics) Dec(name string) {
	m.mu.Lock()
	if m.m[name] > 0 {
		m.m[name]--
	}
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
