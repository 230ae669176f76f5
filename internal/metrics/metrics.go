package metrics

import (
	"encoding/json"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Drop reasons.
const (
	DropDecode          = "decode"
	DropStaleSequence   = "stale_sequence"
	DropBadTag          = "bad_tag"
	DropSessionMismatch = "session_mismatch"
	DropInvalidState    = "invalid_state"
	DropUnknownSession  = "unknown_session"
	DropRate            = "rate"
	DropUnsupported     = "unsupported"
)

type Transition struct {
	SessionID string    `json:"session_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Event     string    `json:"event"`
	At        time.Time `json:"at"`
}

type Snapshot struct {
	GeneratedAt    time.Time         `json:"generated_at"`
	Discovery      DiscoveryMetrics  `json:"discovery"`
	Control        ControlMetrics    `json:"control"`
	Stream         StreamMetrics     `json:"stream"`
	ActiveSessions int64             `json:"active_sessions"`
	RecvByKind     map[string]uint64 `json:"recv_by_kind"`
	DropByReason   map[string]uint64 `json:"drop_by_reason"`
	Recent         []Transition      `json:"recent"`
}

type DiscoveryMetrics struct {
	Sent       uint64 `json:"sent"`
	Answered   uint64 `json:"answered"`
	Verified   uint64 `json:"verified"`
	VerifyFail uint64 `json:"verify_fail"`
}

type ControlMetrics struct {
	Sent     uint64 `json:"sent"`
	Accepted uint64 `json:"accepted"`
}

type StreamMetrics struct {
	FramesSent     uint64 `json:"frames_sent"`
	FramesReceived uint64 `json:"frames_received"`
	Keepalives     uint64 `json:"keepalives"`
}

type Metrics struct {
	discoverySent       atomic.Uint64
	discoveryAnswered   atomic.Uint64
	discoveryVerified   atomic.Uint64
	discoveryVerifyFail atomic.Uint64
	controlSent         atomic.Uint64
	controlAccepted     atomic.Uint64
	framesSent          atomic.Uint64
	framesReceived      atomic.Uint64
	keepalives          atomic.Uint64
	activeSessions      atomic.Int64

	mu           sync.Mutex
	recvByKind   map[string]uint64
	dropByReason map[string]uint64
	recent       *TransitionRecent
}

func New() *Metrics {
	return &Metrics{
		recvByKind:   make(map[string]uint64),
		dropByReason: make(map[string]uint64),
		recent:       NewTransitionRecent(64),
	}
}

func (m *Metrics) IncDiscoverySent()       { m.discoverySent.Add(1) }
func (m *Metrics) IncDiscoveryAnswered()   { m.discoveryAnswered.Add(1) }
func (m *Metrics) IncDiscoveryVerified()   { m.discoveryVerified.Add(1) }
func (m *Metrics) IncDiscoveryVerifyFail() { m.discoveryVerifyFail.Add(1) }
func (m *Metrics) IncControlSent()         { m.controlSent.Add(1) }
func (m *Metrics) IncControlAccepted()     { m.controlAccepted.Add(1) }
func (m *Metrics) IncFramesSent()          { m.framesSent.Add(1) }
func (m *Metrics) IncFramesReceived()      { m.framesReceived.Add(1) }
func (m *Metrics) IncKeepalives()          { m.keepalives.Add(1) }

func (m *Metrics) SessionOpened() { m.activeSessions.Add(1) }
func (m *Metrics) SessionClosed() { m.activeSessions.Add(-1) }

func (m *Metrics) IncRecvByKind(kind string) {
	if kind == "" {
		return
	}
	m.mu.Lock()
	m.recvByKind[kind]++
	m.mu.Unlock()
}

func (m *Metrics) IncDropByReason(reason string) {
	if reason == "" {
		return
	}
	m.mu.Lock()
	m.dropByReason[reason]++
	m.mu.Unlock()
}

func (m *Metrics) RecordTransition(tr Transition) {
	if tr.At.IsZero() {
		tr.At = time.Now().UTC()
	}
	m.recent.Add(tr)
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	recv := copyCounts(m.recvByKind)
	drop := copyCounts(m.dropByReason)
	m.mu.Unlock()
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Discovery: DiscoveryMetrics{
			Sent:       m.discoverySent.Load(),
			Answered:   m.discoveryAnswered.Load(),
			Verified:   m.discoveryVerified.Load(),
			VerifyFail: m.discoveryVerifyFail.Load(),
		},
		Control: ControlMetrics{
			Sent:     m.controlSent.Load(),
			Accepted: m.controlAccepted.Load(),
		},
		Stream: StreamMetrics{
			FramesSent:     m.framesSent.Load(),
			FramesReceived: m.framesReceived.Load(),
			Keepalives:     m.keepalives.Load(),
		},
		ActiveSessions: m.activeSessions.Load(),
		RecvByKind:     recv,
		DropByReason:   drop,
		Recent:         m.recent.List(),
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// ReadSnapshot loads a snapshot written by WriteSnapshot.
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

func copyCounts(in map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedKeys(in map[string]uint64) []string {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type TransitionRecent struct {
	mu   sync.Mutex
	cap  int
	list []Transition
}

func NewTransitionRecent(capacity int) *TransitionRecent {
	if capacity <= 0 {
		capacity = 64
	}
	return &TransitionRecent{cap: capacity}
}

func (r *TransitionRecent) Add(tr Transition) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = tr
		return
	}
	r.list = append(r.list, tr)
}

func (r *TransitionRecent) List() []Transition {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Transition, len(r.list))
	copy(out, r.list)
	return out
}
