package signaling

import (
	"log/slog"
	"sync"
	"unicode/utf16"

	"github.com/because-why-not/awrtc-signaling/internal/netevent"
)

// maxAddressLength is the spec's address-length cap, in UTF-16 code units.
const maxAddressLength = 256

// Pool is the per-application-namespace registry of sessions and listeners.
// Its mutex is the serializer the whole signaling package relies on: every
// Session method that touches session or pool state runs with p.mu held, so
// at most one operation against a pool (and the sessions registered in it)
// is in flight at any instant.
type Pool struct {
	name           string
	addressSharing bool
	log            *slog.Logger

	mu        sync.Mutex
	sessions  map[*Session]struct{}
	listeners map[string][]*Session
}

// NewPool constructs an empty pool for one application path.
func NewPool(name string, addressSharing bool, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		name:           name,
		addressSharing: addressSharing,
		log:            log,
		sessions:       make(map[*Session]struct{}),
		listeners:      make(map[string][]*Session),
	}
}

// Name returns the pool's configured application name, for logs and metrics.
func (p *Pool) Name() string { return p.name }

// Register adds s to the pool's session set. The front-end calls this once,
// immediately after constructing a Session bound to this pool.
func (p *Pool) Register(s *Session) {
	p.mu.Lock()
	p.sessions[s] = struct{}{}
	p.mu.Unlock()
}

// SessionCount returns the number of sessions currently registered. Intended
// for tests and observability.
func (p *Pool) SessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// ListenerCount returns the number of sessions currently listening on addr.
// Intended for tests and observability.
func (p *Pool) ListenerCount(addr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.listeners[addr])
}

func (p *Pool) isAvailableLocked(addr string) bool {
	if len(utf16.Encode([]rune(addr))) > maxAddressLength {
		return false
	}
	return len(p.listeners[addr]) == 0 || p.addressSharing
}

// onListeningRequestLocked brokers a listen request for addr. On success the
// session is registered as a listener and, under address sharing, paired with
// every listener that was already present on addr (others before self, per
// spec ordering).
func (p *Pool) onListeningRequestLocked(s *Session, addr string) {
	if !p.isAvailableLocked(addr) {
		s.denyListening(addr)
		return
	}

	others := append([]*Session(nil), p.listeners[addr]...)
	p.listeners[addr] = append(p.listeners[addr], s)
	s.acceptListening(addr)

	if p.addressSharing {
		for _, other := range others {
			other.acceptIncomingConnection(s)
			s.acceptIncomingConnection(other)
		}
	}
}

// onStopListeningLocked deregisters s from addr's listener list. No event is
// emitted here; the caller (Session) has already told its own client.
func (p *Pool) onStopListeningLocked(s *Session, addr string) {
	existing := p.listeners[addr]
	if len(existing) == 0 {
		return
	}

	filtered := existing[:0:0]
	for _, sess := range existing {
		if sess != s {
			filtered = append(filtered, sess)
		}
	}
	if len(filtered) == 0 {
		delete(p.listeners, addr)
	} else {
		p.listeners[addr] = filtered
	}
}

// onConnectionRequestLocked brokers a connect request for addr/id. A connect
// only succeeds against exactly one non-self listener; a shared address with
// multiple listeners, or no listener at all, is denied.
func (p *Pool) onConnectionRequestLocked(s *Session, addr string, id netevent.ConnectionID) {
	listeners := p.listeners[addr]

	switch {
	case len(listeners) == 1 && listeners[0] != s:
		other := listeners[0]
		other.acceptIncomingConnection(s)
		s.acceptOutgoingConnection(other, id)
	default:
		s.denyConnection(addr, id)
	}
}

// onCleanupLocked removes s from the session set. Called once per session,
// from Session.cleanup.
func (p *Pool) onCleanupLocked(s *Session) {
	if _, ok := p.sessions[s]; !ok {
		p.log.Warn("cleanup for session not registered in pool", "pool", p.name, "session", s.id)
		return
	}
	delete(p.sessions, s)
}
