// Package session tracks chunk-server sessions: the per-server state
// machine (Unknown -> HelloReceived -> Active -> Down/Stale), heartbeat
// miss counting, and each server's outbound RPC queue with its sequence
// numbers.
package session

import (
	"sync"
	"time"

	"gfsmeta/internal/common"
	"gfsmeta/internal/types"
)

type State int

const (
	Unknown State = iota
	HelloReceived
	Active
	Down
	Stale
)

func (s State) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case HelloReceived:
		return "hello-received"
	case Active:
		return "active"
	case Down:
		return "down"
	case Stale:
		return "stale"
	default:
		return "invalid"
	}
}

// OutboundCmd is one in-flight RPC to a chunk server, tagged with a
// sequence number so the reply can be matched back.
type OutboundCmd struct {
	Seq     int64
	Verb    string
	Payload interface{}
}

// Session is one chunk server's live state.
type Session struct {
	mu sync.Mutex

	Addr     types.Addr
	State    State
	LastSeen time.Time
	Latency  time.Duration

	TotalSpace int64
	UsedSpace  int64

	missedHeartbeats int
	nextSeq          int64
	pending          map[int64]OutboundCmd
}

func newSession(addr types.Addr) *Session {
	return &Session{Addr: addr, State: Unknown, pending: make(map[int64]OutboundCmd)}
}

func (s *Session) UsedRatio() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.TotalSpace <= 0 {
		return 1
	}
	return float64(s.UsedSpace) / float64(s.TotalSpace)
}

// Enqueue assigns the next sequence number to an outbound command and
// records it as pending a reply.
func (s *Session) Enqueue(verb string, payload interface{}) OutboundCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	cmd := OutboundCmd{Seq: s.nextSeq, Verb: verb, Payload: payload}
	s.pending[cmd.Seq] = cmd
	return cmd
}

// Ack removes a pending command once its reply has been matched.
func (s *Session) Ack(seq int64) (OutboundCmd, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.pending[seq]
	if ok {
		delete(s.pending, seq)
	}
	return cmd, ok
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastSeen = now
	s.missedHeartbeats = 0
}

func (s *Session) missHeartbeat() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missedHeartbeats++
	return s.missedHeartbeats
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = st
}

func (s *Session) snapshot() types.ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.ServerInfo{Addr: s.Addr, TotalSpace: s.TotalSpace, UsedSpace: s.UsedSpace, LastSeen: s.LastSeen, Latency: s.Latency}
}

// Registry tracks every known chunk server.
type Registry struct {
	mu      sync.RWMutex
	servers map[types.Addr]*Session
}

func NewRegistry() *Registry {
	return &Registry{servers: make(map[types.Addr]*Session)}
}

// Hello handles a HELLO handshake: a fresh server transitions
// Unknown->HelloReceived->Active; a server reconnecting tears down its
// prior session first, and its replicas are re-merged from the new HELLO's
// chunk list rather than declared lost.
func (r *Registry) Hello(report types.HelloReport) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, reconnect := r.servers[report.Server]
	s := newSession(report.Server)
	s.TotalSpace = report.TotalSpace
	s.UsedSpace = report.UsedSpace
	s.setState(HelloReceived)
	s.touch(time.Now())
	s.setState(Active)
	r.servers[report.Server] = s
	return s, reconnect
}

func (r *Registry) Get(addr types.Addr) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[addr]
	return s, ok
}

// Heartbeat records a successful heartbeat reply.
func (r *Registry) Heartbeat(addr types.Addr, latency time.Duration) {
	r.mu.RLock()
	s, ok := r.servers[addr]
	r.mu.RUnlock()
	if !ok {
		return
	}
	s.touch(time.Now())
	s.mu.Lock()
	s.Latency = latency
	s.mu.Unlock()
}

// MissHeartbeat records a missed heartbeat reply; once the miss count
// reaches common.MissedHeartbeatLimit the session is Down and removed.
func (r *Registry) MissHeartbeat(addr types.Addr) (down bool) {
	r.mu.RLock()
	s, ok := r.servers[addr]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if s.missHeartbeat() >= common.MissedHeartbeatLimit {
		s.setState(Down)
		r.mu.Lock()
		delete(r.servers, addr)
		r.mu.Unlock()
		return true
	}
	return false
}

// Remove evicts a server from the registry.
func (r *Registry) Remove(addr types.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.servers, addr)
}

// All returns a snapshot of every known server, for placement decisions.
func (r *Registry) All() []types.ServerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ServerInfo, 0, len(r.servers))
	for _, s := range r.servers {
		out = append(out, s.snapshot())
	}
	return out
}
