package relay

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/transport"
)

// Member is one open connection registered with a Hub.
type Member struct {
	id  string
	ch  transport.Channel
	hub *Hub
	out *outbox

	removed     atomic.Bool
	writerDone  chan struct{}
	removedOnce sync.Once
}

func (m *Member) ID() string                 { return m.id }
func (m *Member) Channel() transport.Channel { return m.ch }

// Dropped reports frames that were not queued for this member because its
// outbox was full or already closed.
func (m *Member) Dropped() uint64 { return m.out.drops.Load() }

func (m *Member) writeLoop() {
	defer close(m.writerDone)
	for {
		frame, ok := m.out.pop()
		if !ok {
			return
		}
		if err := m.ch.Send(frame); err != nil {
			m.hub.metrics.Inc(metrics.SendErrors)
			m.hub.log.Debug("dropping member after send failure", "conn_id", m.id, "err", err)
			m.hub.Disconnect(m)
			return
		}
		m.hub.metrics.Inc(metrics.FramesDelivered)
	}
}

// connSet is the hub's membership. Callbacks passed to forEachExcept run
// without the lock held.
type connSet struct {
	mu sync.RWMutex
	m  map[*Member]struct{}
}

func (s *connSet) add(m *Member) {
	s.mu.Lock()
	s.m[m] = struct{}{}
	s.mu.Unlock()
}

func (s *connSet) remove(m *Member) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[m]; !ok {
		return false
	}
	delete(s.m, m)
	return true
}

func (s *connSet) forEachExcept(skip *Member, fn func(*Member)) {
	s.mu.RLock()
	snapshot := make([]*Member, 0, len(s.m))
	for m := range s.m {
		if m != skip {
			snapshot = append(snapshot, m)
		}
	}
	s.mu.RUnlock()

	for _, m := range snapshot {
		fn(m)
	}
}

func (s *connSet) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// Hub owns the set of open connections and fans frames out between them.
type Hub struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics

	closeMu sync.RWMutex
	closed  bool
	conns   connSet
}

func NewHub(cfg Config) *Hub {
	cfg = cfg.WithDefaults()
	return &Hub{
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		conns:   connSet{m: make(map[*Member]struct{})},
	}
}

func (h *Hub) Metrics() *metrics.Metrics { return h.metrics }

// Connect registers ch and starts its writer. It is safe to call while
// broadcasts are in flight; the new member only sees frames broadcast after
// it was added.
func (h *Hub) Connect(ch transport.Channel) (*Member, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("generate connection id: %w", err)
	}
	m := &Member{
		id:         id.String(),
		ch:         ch,
		hub:        h,
		out:        newOutbox(h.cfg.SendQueueBytes),
		writerDone: make(chan struct{}),
	}

	h.closeMu.RLock()
	defer h.closeMu.RUnlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	h.conns.add(m)
	go m.writeLoop()

	h.metrics.Inc(metrics.ConnectionsOpened)
	h.metrics.Inc(metrics.ConnectionsActive)
	return m, nil
}

// Broadcast queues frame for every member other than from and returns how
// many members accepted it. A member whose outbox is full misses this frame;
// delivery to the others is unaffected.
func (h *Hub) Broadcast(from *Member, frame []byte) int {
	h.metrics.Inc(metrics.FramesReceived)

	queued := 0
	h.conns.forEachExcept(from, func(m *Member) {
		if m.out.push(frame) {
			queued++
			return
		}
		if m.removed.Load() {
			return
		}
		h.metrics.Inc(metrics.SendQueueDrops)
		h.log.Warn("send queue full; dropping frame", "conn_id", m.id, "from_conn_id", memberID(from))
	})
	h.metrics.Add(metrics.FramesForwarded, uint64(queued))
	return queued
}

// Disconnect removes m and closes its channel. It is idempotent and may be
// called from any goroutine, including m's own writer.
func (h *Hub) Disconnect(m *Member) {
	if m == nil {
		return
	}
	m.removedOnce.Do(func() {
		m.removed.Store(true)
		if h.conns.remove(m) {
			h.metrics.Inc(metrics.ConnectionsClosed)
			h.metrics.Dec(metrics.ConnectionsActive)
		}
		m.out.close()
		_ = m.ch.Close()
	})
}

// Len returns the number of registered members.
func (h *Hub) Len() int {
	return h.conns.len()
}

// Close disconnects every member and rejects later Connect calls.
func (h *Hub) Close() {
	h.closeMu.Lock()
	h.closed = true
	h.closeMu.Unlock()

	h.conns.forEachExcept(nil, h.Disconnect)
}

func memberID(m *Member) string {
	if m == nil {
		return ""
	}
	return m.id
}
