// Package session tracks the open handles of a device server. Every session
// is owned by the registry and addressed by an opaque server-scoped ID, which
// is also the file handle the kernel echoes back on each later request.
package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/9000h/dvbloop-cuse/pkg/types"
)

// DefaultMax bounds the number of concurrently open sessions.
const DefaultMax = 1024

// ErrFull is returned by Register when the registry is at capacity.
var ErrFull = errors.New("session registry full")

// Session is one open handle on one endpoint.
type Session struct {
	ID       uint64
	Endpoint types.Endpoint
	// Flags are the open(2) flags the handle was opened with.
	Flags int
	// Handle is the backend's descriptor for this open.
	Handle int
	Opened time.Time
}

// CanRead reports whether the handle was opened for reading.
func (s *Session) CanRead() bool {
	mode := s.Flags & unix.O_ACCMODE
	return mode == unix.O_RDONLY || mode == unix.O_RDWR
}

// CanWrite reports whether the handle was opened for writing.
func (s *Session) CanWrite() bool {
	mode := s.Flags & unix.O_ACCMODE
	return mode == unix.O_WRONLY || mode == unix.O_RDWR
}

// ReadOnly reports whether the handle was opened O_RDONLY.
func (s *Session) ReadOnly() bool {
	return s.Flags&unix.O_ACCMODE == unix.O_RDONLY
}

// Info is a copy of a session's state for observers.
type Info struct {
	ID       uint64         `json:"id"`
	Endpoint types.Endpoint `json:"endpoint"`
	Flags    int            `json:"flags"`
	Handle   int            `json:"handle"`
	Opened   time.Time      `json:"opened"`
}

// Registry is a mutex-guarded collection of sessions. The lock is held only
// for the map operation itself, never across a backend call.
type Registry struct {
	mu       sync.Mutex
	max      int
	next     uint64
	sessions map[uint64]*Session
}

// New returns an empty registry holding at most max sessions; max <= 0
// selects DefaultMax.
func New(max int) *Registry {
	if max <= 0 {
		max = DefaultMax
	}
	return &Registry{max: max, sessions: make(map[uint64]*Session)}
}

// Register assigns s a fresh ID and makes it visible. IDs start at 1 and are
// never reused within a registry, so a stale handle can't reach a newer
// session.
func (r *Registry) Register(s *Session) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions) >= r.max {
		return 0, ErrFull
	}
	r.next++
	s.ID = r.next
	if s.Opened.IsZero() {
		s.Opened = time.Now()
	}
	r.sessions[s.ID] = s
	return s.ID, nil
}

// Unregister removes the session with the given ID. Only the first of
// several concurrent calls for the same ID gets it back; the others see
// false, so the caller that won owns the backend close.
func (r *Registry) Unregister(id uint64) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return s, ok
}

// Lookup resolves a kernel-echoed handle to its session.
func (r *Registry) Lookup(id uint64) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot returns the registered sessions ordered by ID.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, Info{
			ID:       s.ID,
			Endpoint: s.Endpoint,
			Flags:    s.Flags,
			Handle:   s.Handle,
			Opened:   s.Opened,
		})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Drain removes and returns every session, ordered by ID. The server uses it
// at teardown; sessions still in flight may have been removed already.
func (r *Registry) Drain() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		out = append(out, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
