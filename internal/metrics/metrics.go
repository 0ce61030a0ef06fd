package metrics

import (
	"encoding/json"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mesh"

// DropRecord is one recently dropped packet, kept for debugging.
type DropRecord struct {
	At     time.Time `json:"at"`
	Type   string    `json:"type"`
	Peer   string    `json:"peer,omitempty"`
	Reason string    `json:"reason"`
}

type Snapshot struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	RecvByType   map[string]uint64 `json:"recv_by_type"`
	DropByReason map[string]uint64 `json:"drop_by_reason"`
	Relay        RelayMetrics      `json:"relay"`
	Session      SessionMetrics    `json:"session"`
	Sync         SyncMetrics       `json:"sync"`
	Fragments    uint64            `json:"fragments_reassembled"`
	Resets       uint64            `json:"assembler_resets"`
	Links        int64             `json:"links"`
	Recent       []DropRecord      `json:"recent_drops"`
}

type RelayMetrics struct {
	Relayed    uint64 `json:"relayed"`
	Suppressed uint64 `json:"suppressed"`
}

type SessionMetrics struct {
	Established uint64 `json:"established"`
	Failed      uint64 `json:"failed"`
}

type SyncMetrics struct {
	Sent     uint64 `json:"sent"`
	Received uint64 `json:"received"`
	Resent   uint64 `json:"resent"`
}

// Metrics counts node activity. Every counter is kept as an atomic for
// Snapshot and mirrored into a private Prometheus registry.
type Metrics struct {
	mu           sync.Mutex
	recvByType   map[string]*atomic.Uint64
	dropByReason map[string]*atomic.Uint64

	relayed     atomic.Uint64
	suppressed  atomic.Uint64
	fragments   atomic.Uint64
	established atomic.Uint64
	failed      atomic.Uint64
	syncSent    atomic.Uint64
	syncRecv    atomic.Uint64
	syncResent  atomic.Uint64
	resets      atomic.Uint64
	links       atomic.Int64

	recent *DropRecent

	reg       *prometheus.Registry
	promRecv  *prometheus.CounterVec
	promDrop  *prometheus.CounterVec
	promRelay *prometheus.CounterVec
	promSess  *prometheus.CounterVec
	promSync  *prometheus.CounterVec
	promFrag  prometheus.Counter
	promReset prometheus.Counter
	promLinks prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		recvByType:   make(map[string]*atomic.Uint64),
		dropByReason: make(map[string]*atomic.Uint64),
		recent:       NewDropRecent(64),
		reg:          prometheus.NewRegistry(),
		promRecv: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "packets",
			Name:      "received_total",
			Help:      "Decoded packets by message type.",
		}, []string{"type"}),
		promDrop: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "packets",
			Name:      "dropped_total",
			Help:      "Dropped packets by reason.",
		}, []string{"reason"}),
		promRelay: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "decisions_total",
			Help:      "Relay outcomes.",
		}, []string{"outcome"}),
		promSess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "handshakes_total",
			Help:      "Noise handshakes by result.",
		}, []string{"result"}),
		promSync: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "events_total",
			Help:      "Gossip sync requests and resent packets.",
		}, []string{"event"}),
		promFrag: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fragment",
			Name:      "reassembled_total",
			Help:      "Packets rebuilt from fragments.",
		}),
		promReset: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "resets_total",
			Help:      "Stream assembler resets after oversize frames.",
		}),
		promLinks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "peer",
			Name:      "links",
			Help:      "Directly reachable neighbors.",
		}),
	}
	m.reg.MustRegister(m.promRecv, m.promDrop, m.promRelay, m.promSess, m.promSync, m.promFrag, m.promReset, m.promLinks)
	return m
}

// Registry exposes the private registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the Prometheus text format for this instance only.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Recent() *DropRecent {
	return m.recent
}

func (m *Metrics) IncRecvByType(t string) {
	m.counter(m.recvByType, t).Add(1)
	m.promRecv.WithLabelValues(t).Inc()
}

func (m *Metrics) IncDropByReason(reason string) {
	m.counter(m.dropByReason, reason).Add(1)
	m.promDrop.WithLabelValues(reason).Inc()
}

// Drop counts a dropped packet and keeps it in the recent ring.
func (m *Metrics) Drop(typ, peer, reason string) {
	m.IncDropByReason(reason)
	m.recent.Add(DropRecord{At: time.Now().UTC(), Type: typ, Peer: peer, Reason: reason})
}

func (m *Metrics) IncRelayed() {
	m.relayed.Add(1)
	m.promRelay.WithLabelValues("relayed").Inc()
}

func (m *Metrics) IncRelaySuppressed() {
	m.suppressed.Add(1)
	m.promRelay.WithLabelValues("suppressed").Inc()
}

func (m *Metrics) IncFragmentsReassembled() {
	m.fragments.Add(1)
	m.promFrag.Inc()
}

func (m *Metrics) IncSessionEstablished() {
	m.established.Add(1)
	m.promSess.WithLabelValues("established").Inc()
}

func (m *Metrics) IncSessionFailed() {
	m.failed.Add(1)
	m.promSess.WithLabelValues("failed").Inc()
}

func (m *Metrics) IncSyncSent() {
	m.syncSent.Add(1)
	m.promSync.WithLabelValues("request_sent").Inc()
}

func (m *Metrics) IncSyncReceived() {
	m.syncRecv.Add(1)
	m.promSync.WithLabelValues("request_received").Inc()
}

func (m *Metrics) AddSyncResent(n int) {
	if n <= 0 {
		return
	}
	m.syncResent.Add(uint64(n))
	m.promSync.WithLabelValues("resent").Add(float64(n))
}

func (m *Metrics) IncAssemblerReset() {
	m.resets.Add(1)
	m.promReset.Inc()
}

func (m *Metrics) SetLinks(n int) {
	m.links.Store(int64(n))
	m.promLinks.Set(float64(n))
}

func (m *Metrics) counter(set map[string]*atomic.Uint64, key string) *atomic.Uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := set[key]
	if !ok {
		c = new(atomic.Uint64)
		set[key] = c
	}
	return c
}

func (m *Metrics) loadAll(set map[string]*atomic.Uint64) map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(set))
	for k, v := range set {
		out[k] = v.Load()
	}
	return out
}

func (m *Metrics) Snapshot() Snapshot {
	recent := []DropRecord{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	return Snapshot{
		GeneratedAt:  time.Now().UTC(),
		RecvByType:   m.loadAll(m.recvByType),
		DropByReason: m.loadAll(m.dropByReason),
		Relay: RelayMetrics{
			Relayed:    m.relayed.Load(),
			Suppressed: m.suppressed.Load(),
		},
		Session: SessionMetrics{
			Established: m.established.Load(),
			Failed:      m.failed.Load(),
		},
		Sync: SyncMetrics{
			Sent:     m.syncSent.Load(),
			Received: m.syncRecv.Load(),
			Resent:   m.syncResent.Load(),
		},
		Fragments: m.fragments.Load(),
		Resets:    m.resets.Load(),
		Links:     m.links.Load(),
		Recent:    recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Reasons lists the drop reasons seen so far, sorted.
func (s Snapshot) Reasons() []string {
	out := make([]string, 0, len(s.DropByReason))
	for k := range s.DropByReason {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type DropRecent struct {
	mu   sync.Mutex
	cap  int
	list []DropRecord
}

func NewDropRecent(capacity int) *DropRecent {
	if capacity <= 0 {
		capacity = 64
	}
	return &DropRecent{cap: capacity}
}

func (r *DropRecent) Add(d DropRecord) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = d
		return
	}
	r.list = append(r.list, d)
}

func (r *DropRecent) List() []DropRecord {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DropRecord, len(r.list))
	copy(out, r.list)
	return out
}
