package node

import (
	"net"
	"sort"
	"sync"
	"time"

	"alnp/internal/proto"
	"alnp/internal/session"
)

// SessionState is the responder's view of one controller session.
type SessionState struct {
	mu         sync.Mutex
	ID         proto.SessionID
	Addr       net.Addr
	IP         string
	ControlKey []byte
	StartedAt  time.Time

	seq        session.Sequencer
	controls   uint64
	frames     uint64
	keepalives uint64
	lastSeen   time.Time
	lastFrame  proto.StreamFrame
}

// SessionInfo is a point-in-time copy of a SessionState.
type SessionInfo struct {
	ID           string    `json:"session_id"`
	Peer         string    `json:"peer"`
	Controls     uint64    `json:"controls"`
	Frames       uint64    `json:"frames"`
	Keepalives   uint64    `json:"keepalives"`
	LastSequence uint64    `json:"last_sequence"`
	StartedAt    time.Time `json:"started_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// AcceptControl records seq if it is newer than the last accepted one.
func (s *SessionState) AcceptControl(seq uint64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.seq.AcceptRecv(seq); err != nil {
		return err
	}
	s.controls++
	s.lastSeen = now
	return nil
}

func (s *SessionState) recordFrame(f proto.StreamFrame, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	s.lastFrame = f
	s.lastSeen = now
}

func (s *SessionState) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keepalives++
	s.lastSeen = now
}

// LastFrame returns the most recent stream frame received.
func (s *SessionState) LastFrame() (proto.StreamFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFrame, s.frames > 0
}

func (s *SessionState) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastSeen)
}

func (s *SessionState) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, _ := s.seq.LastRecv()
	return SessionInfo{
		ID:           s.ID.String(),
		Peer:         s.Addr.String(),
		Controls:     s.controls,
		Frames:       s.frames,
		Keepalives:   s.keepalives,
		LastSequence: last,
		StartedAt:    s.StartedAt,
		LastSeen:     s.lastSeen,
	}
}

// PendingDiscovery is an answered discovery request whose controller has
// not yet opened a session.
type PendingDiscovery struct {
	ClientNonce proto.Nonce
	ServerNonce proto.Nonce
	Addr        net.Addr
	At          time.Time
}

// SessionStore indexes live sessions by id and answered discoveries by
// peer address.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[proto.SessionID]*SessionState
	pending  map[string]*PendingDiscovery
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[proto.SessionID]*SessionState),
		pending:  make(map[string]*PendingDiscovery),
	}
}

func (s *SessionStore) Get(id proto.SessionID) (*SessionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[id]
	return st, ok
}

func (s *SessionStore) Set(st *SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[st.ID] = st
}

func (s *SessionStore) Delete(id proto.SessionID) (*SessionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	return st, ok
}

func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// SetPending replaces any earlier discovery from the same address.
func (s *SessionStore) SetPending(p *PendingDiscovery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[p.Addr.String()] = p
}

// PendingFor returns the answered discovery from addr without claiming it.
func (s *SessionStore) PendingFor(addr net.Addr) (*PendingDiscovery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[addr.String()]
	return p, ok
}

// ClaimPending removes p if it is still the discovery pending for its
// address. A later discovery from the same address wins.
func (s *SessionStore) ClaimPending(p *PendingDiscovery) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := p.Addr.String()
	if s.pending[key] != p {
		return false
	}
	delete(s.pending, key)
	return true
}

// List returns all sessions ordered by start time.
func (s *SessionStore) List() []*SessionState {
	s.mu.Lock()
	out := make([]*SessionState, 0, len(s.sessions))
	for _, st := range s.sessions {
		out = append(out, st)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// ExpirePending drops discoveries older than cutoff.
func (s *SessionStore) ExpirePending(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, p := range s.pending {
		if p.At.Before(cutoff) {
			delete(s.pending, k)
			n++
		}
	}
	return n
}
