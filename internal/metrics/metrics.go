package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// EnvelopeHeader is the metadata a node remembers about recently accepted
// envelopes.
type EnvelopeHeader struct {
	Hash         string `json:"hash"`
	ContentTopic string `json:"content_topic"`
	Timestamp    int64  `json:"timestamp"`
	Hops         int    `json:"hops"`
}

type Snapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Dispatch    DispatchMetrics  `json:"dispatch"`
	Push        PushMetrics      `json:"push"`
	Store       StoreMetrics     `json:"store"`
	Filter      FilterMetrics    `json:"filter"`
	Recent      []EnvelopeHeader `json:"recent"`

	RecvByType     map[string]uint64 `json:"recv_by_type"`
	DropByReason   map[string]uint64 `json:"drop_by_reason"`
	CurrentConns   int64             `json:"current_conns"`
	CurrentStreams int64             `json:"current_streams"`
}

type DispatchMetrics struct {
	Published     uint64 `json:"published"`
	PublishFailed uint64 `json:"publish_failed"`
	Received      uint64 `json:"received"`
	Backfilled    uint64 `json:"backfilled"`
	DropDecrypt   uint64 `json:"drop_decrypt"`
	DropDecode    uint64 `json:"drop_decode"`
}

type PushMetrics struct {
	Accepted      uint64 `json:"accepted"`
	DropDuplicate uint64 `json:"drop_duplicate"`
	DropRate      uint64 `json:"drop_rate"`
	DropInvalid   uint64 `json:"drop_invalid"`
	Relayed       uint64 `json:"relayed"`
}

type StoreMetrics struct {
	Stored  uint64 `json:"stored"`
	Queries uint64 `json:"queries"`
	Pruned  uint64 `json:"pruned"`
}

type FilterMetrics struct {
	Subscribers int64  `json:"subscribers"`
	Delivered   uint64 `json:"delivered"`
}

type Metrics struct {
	dispatchPublished     atomic.Uint64
	dispatchPublishFailed atomic.Uint64
	dispatchReceived      atomic.Uint64
	dispatchBackfilled    atomic.Uint64
	dispatchDropDecrypt   atomic.Uint64
	dispatchDropDecode    atomic.Uint64

	pushAccepted      atomic.Uint64
	pushDropDuplicate atomic.Uint64
	pushDropRate      atomic.Uint64
	pushDropInvalid   atomic.Uint64
	pushRelayed       atomic.Uint64

	storeStored  atomic.Uint64
	storeQueries atomic.Uint64
	storePruned  atomic.Uint64

	filterSubscribers atomic.Int64
	filterDelivered   atomic.Uint64

	currentConns   atomic.Int64
	currentStreams atomic.Int64

	mapsMu       sync.Mutex
	recvByType   map[string]uint64
	dropByReason map[string]uint64

	recent *Recent
}

func New() *Metrics {
	return &Metrics{
		recent:       NewRecent(64),
		recvByType:   make(map[string]uint64),
		dropByReason: make(map[string]uint64),
	}
}

func (m *Metrics) IncRecvByType(msgType string) {
	if msgType == "" {
		msgType = "unknown"
	}
	m.mapsMu.Lock()
	m.recvByType[msgType]++
	m.mapsMu.Unlock()
}

func (m *Metrics) IncDropByReason(reason string) {
	if reason == "" {
		return
	}
	m.mapsMu.Lock()
	m.dropByReason[reason]++
	m.mapsMu.Unlock()
}

func (m *Metrics) SetCurrentConns(n int64)   { m.currentConns.Store(n) }
func (m *Metrics) SetCurrentStreams(n int64) { m.currentStreams.Store(n) }

func copyCounts(src map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func (m *Metrics) Recent() *Recent {
	return m.recent
}

func (m *Metrics) IncPublished()     { m.dispatchPublished.Add(1) }
func (m *Metrics) IncPublishFailed() { m.dispatchPublishFailed.Add(1) }
func (m *Metrics) IncReceived()      { m.dispatchReceived.Add(1) }
func (m *Metrics) IncDropDecrypt()   { m.dispatchDropDecrypt.Add(1) }
func (m *Metrics) IncDropDecode()    { m.dispatchDropDecode.Add(1) }

func (m *Metrics) AddBackfilled(n int) {
	if n > 0 {
		m.dispatchBackfilled.Add(uint64(n))
	}
}

func (m *Metrics) IncPushAccepted()      { m.pushAccepted.Add(1) }
func (m *Metrics) IncPushDropDuplicate() { m.pushDropDuplicate.Add(1) }
func (m *Metrics) IncPushDropRate()      { m.pushDropRate.Add(1) }
func (m *Metrics) IncPushDropInvalid()   { m.pushDropInvalid.Add(1) }
func (m *Metrics) IncRelayed()           { m.pushRelayed.Add(1) }

func (m *Metrics) IncStored()  { m.storeStored.Add(1) }
func (m *Metrics) IncQueries() { m.storeQueries.Add(1) }

func (m *Metrics) AddPruned(n int) {
	if n > 0 {
		m.storePruned.Add(uint64(n))
	}
}

func (m *Metrics) SubscriberOpened() { m.filterSubscribers.Add(1) }
func (m *Metrics) SubscriberClosed() { m.filterSubscribers.Add(-1) }
func (m *Metrics) IncDelivered()     { m.filterDelivered.Add(1) }

func (m *Metrics) Snapshot() Snapshot {
	recent := []EnvelopeHeader{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	m.mapsMu.Lock()
	recv := copyCounts(m.recvByType)
	drops := copyCounts(m.dropByReason)
	m.mapsMu.Unlock()
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Dispatch: DispatchMetrics{
			Published:     m.dispatchPublished.Load(),
			PublishFailed: m.dispatchPublishFailed.Load(),
			Received:      m.dispatchReceived.Load(),
			Backfilled:    m.dispatchBackfilled.Load(),
			DropDecrypt:   m.dispatchDropDecrypt.Load(),
			DropDecode:    m.dispatchDropDecode.Load(),
		},
		Push: PushMetrics{
			Accepted:      m.pushAccepted.Load(),
			DropDuplicate: m.pushDropDuplicate.Load(),
			DropRate:      m.pushDropRate.Load(),
			DropInvalid:   m.pushDropInvalid.Load(),
			Relayed:       m.pushRelayed.Load(),
		},
		Store: StoreMetrics{
			Stored:  m.storeStored.Load(),
			Queries: m.storeQueries.Load(),
			Pruned:  m.storePruned.Load(),
		},
		Filter: FilterMetrics{
			Subscribers: m.filterSubscribers.Load(),
			Delivered:   m.filterDelivered.Load(),
		},
		Recent:         recent,
		RecvByType:     recv,
		DropByReason:   drops,
		CurrentConns:   m.currentConns.Load(),
		CurrentStreams: m.currentStreams.Load(),
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

func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

type Recent struct {
	mu   sync.Mutex
	cap  int
	list []EnvelopeHeader
}

func NewRecent(capacity int) *Recent {
	if capacity <= 0 {
		capacity = 64
	}
	return &Recent{cap: capacity}
}

func (r *Recent) Add(h EnvelopeHeader) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = h
		return
	}
	r.list = append(r.list, h)
}

func (r *Recent) List() []EnvelopeHeader {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EnvelopeHeader, len(r.list))
	copy(out, r.list)
	return out
}
