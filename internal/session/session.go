// Package session implements C10 (Session) and the slab-based
// registry design note in spec.md §9: "Rewrite as an arena (slab)
// keyed by generational index so shutdown can iterate without
// worrying about reentrancy."
//
// The teacher's analogous state is ipcache/domaincache (cache.go): a
// small mutex-free wrapper around a TTL cache keyed by a string. This
// keeps that "thin wrapper around a map, few methods" shape but swaps
// the TTL cache for a slab indexed by a generational Handle, since sessions
// don't expire on a timer — they're removed exactly once, on close.
package session

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/ARwMq9b6/proxygate/internal/config"
	"github.com/ARwMq9b6/proxygate/internal/stream"
)

// Target is the decoded destination of a proxy request (spec.md §3
// DecodedRequest, collapsed to what the relay/connector need).
type Target struct {
	Host           string
	Port           uint16
	ResolveRemotely bool
}

func (t Target) HostPort() string {
	return net.JoinHostPort(t.Host, portString(t.Port))
}

func portString(p uint16) string {
	return (&net.TCPAddr{Port: int(p)}).String()[1:] // ":N" -> "N"; cheap, avoids importing strconv here twice
}

// Session is one accepted connection, from spec.md §3.
type Session struct {
	ID uint64

	ClientStream stream.Stream
	RemoteStream stream.Stream
	ClientPeer   net.Addr

	abort int32 // atomic bool, per spec.md §3 invariant

	AuthUser *config.AuthUser
	Target   Target

	mu sync.Mutex
}

// Abort reports whether the session has been marked for forced
// shutdown (spec.md §3: "abort=true implies both streams shall be
// half-shut and closed within bounded time").
func (s *Session) Abort() bool {
	return atomic.LoadInt32(&s.abort) != 0
}

// SetAbort marks the session aborted and closes both streams. Safe to
// call more than once or concurrently with the accept loop, matching
// spec.md §5's claim that abort is "a simple atomic" shared field.
func (s *Session) SetAbort() {
	atomic.StoreInt32(&s.abort, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ClientStream != nil {
		_ = s.ClientStream.Close()
	}
	if s.RemoteStream != nil {
		_ = s.RemoteStream.Close()
	}
}

// SetRemote installs the remote-stream after a successful outbound
// connect, satisfying the invariant that remote-stream is opened only
// after authentication and the region gate pass.
func (s *Session) SetRemote(rs stream.Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RemoteStream = rs
}

// slot is one entry of the registry's slab.
type slot struct {
	gen     uint32
	session *Session
}

// Handle is a generational index into the Registry.
type Handle struct {
	Index uint32
	Gen   uint32
}

// Registry is the slab of live sessions, iterable for Server.Close()
// to force-close everything (spec.md §5 "Cancellation").
type Registry struct {
	mu      sync.Mutex
	slots   []slot
	free    []uint32
	nextID  uint64
}

func NewRegistry() *Registry {
	return &Registry{}
}

// NextID returns a monotonically increasing connection-id (spec.md §3
// "connection-id: monotonically increasing u64").
func (r *Registry) NextID() uint64 {
	return atomic.AddUint64(&r.nextID, 1)
}

// Add inserts s into the slab and returns a handle.
func (r *Registry) Add(s *Session) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.free) > 0 {
		idx := r.free[len(r.free)-1]
		r.free = r.free[:len(r.free)-1]
		r.slots[idx].session = s
		return Handle{Index: idx, Gen: r.slots[idx].gen}
	}
	r.slots = append(r.slots, slot{gen: 0, session: s})
	return Handle{Index: uint32(len(r.slots) - 1), Gen: 0}
}

// Remove evicts the session at h, bumping its generation so any stale
// Handle from before a slot was reused is detectably invalid.
func (r *Registry) Remove(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(h.Index) >= len(r.slots) {
		return
	}
	sl := &r.slots[h.Index]
	if sl.gen != h.Gen || sl.session == nil {
		return
	}
	sl.session = nil
	sl.gen++
	r.free = append(r.free, h.Index)
}

// Get returns the session at h if the handle is still valid.
func (r *Registry) Get(h Handle) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(h.Index) >= len(r.slots) {
		return nil, false
	}
	sl := r.slots[h.Index]
	if sl.gen != h.Gen || sl.session == nil {
		return nil, false
	}
	return sl.session, true
}

// CloseAll force-closes every live session, used by Server.Close()
// (spec.md §5 "Cancellation": "closes the acceptor, iterates the
// session registry and calls each session's close()").
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.slots))
	for _, sl := range r.slots {
		if sl.session != nil {
			sessions = append(sessions, sl.session)
		}
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.SetAbort()
	}
}

// Len reports the number of live sessions, for diagnostics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots) - len(r.free)
}
