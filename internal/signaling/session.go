// Package signaling implements the peer session and peer pool state machine:
// address registration, connection brokering, and message forwarding between
// paired clients. Every unexported Session method that mutates session or
// pool state must be called with the owning Pool's mutex held; the exported
// entry points (OnEvent, OnClosed, Dispose, State) acquire it themselves.
package signaling

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/because-why-not/awrtc-signaling/internal/netevent"
)

// State is a Session's position in its forward-only lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Protocol is the transport collaborator a Session drives: it frames/deframes
// NetworkEvents and owns the underlying socket. *wsconn.Conn satisfies this.
type Protocol interface {
	Send(e netevent.Event)
	Dispose()
}

// controller is the pool-side collaborator a Session calls into for every
// cross-session operation (address brokering, connection brokering,
// deregistration). Implemented by *Pool. Every method here is called with
// the pool's mutex already held by the caller.
type controller interface {
	onListeningRequestLocked(s *Session, addr string)
	onStopListeningLocked(s *Session, addr string)
	onConnectionRequestLocked(s *Session, addr string, id netevent.ConnectionID)
	onCleanupLocked(s *Session)
}

// Session is the per-client state machine: one per connected socket.
type Session struct {
	id       string
	log      *slog.Logger
	pool     *Pool
	ctrl     controller
	protocol Protocol

	state          State
	connections    map[netevent.ConnectionID]*Session
	nextIncomingID netevent.ConnectionID
	ownAddress     string
}

// NewSession constructs a Session bound to protocol and registered against
// pool's controller. The returned session is already Connected; Connecting is
// a transient state that exists only during this construction.
func NewSession(protocol Protocol, pool *Pool, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		id:             uuid.NewString(),
		log:            log,
		pool:           pool,
		ctrl:           pool,
		protocol:       protocol,
		state:          StateConnected,
		connections:    make(map[netevent.ConnectionID]*Session),
		nextIncomingID: netevent.FirstIncomingConnectionID,
	}
	return s
}

// ID returns the session's log-correlation identifier. It has no protocol
// meaning and is never sent on the wire.
func (s *Session) ID() string { return s.id }

// State returns the session's current lifecycle state. Intended for tests and
// observability; callers must not use it to make protocol decisions.
func (s *Session) State() State {
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	return s.state
}

// OnEvent is the wsconn.Listener callback for an inbound application event.
// It acquires the pool's serializer lock for the duration of handling.
func (s *Session) OnEvent(e netevent.Event) {
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	s.handleEventLocked(e)
}

// OnClosed is the wsconn.Listener callback for transport closure (remote
// close, transport error, or liveness timeout). It triggers cleanup.
func (s *Session) OnClosed() {
	s.cleanup()
}

// Dispose triggers cleanup explicitly, e.g. from an administrative action.
// It is equivalent to the transport reporting closure and is idempotent.
func (s *Session) Dispose() {
	s.cleanup()
}

func (s *Session) handleEventLocked(e netevent.Event) {
	switch e.Type {
	case netevent.NewConnection:
		s.ctrl.onConnectionRequestLocked(s, e.Text, e.ConnectionID)
	case netevent.Disconnected:
		s.disconnectPairLocked(e.ConnectionID)
	case netevent.ServerInitialized:
		s.handleServerInitializedLocked(e.Text)
	case netevent.ServerClosed:
		s.handleServerClosedLocked()
	case netevent.ReliableMessageReceived, netevent.UnreliableMessageReceived:
		s.forwardLocked(e)
	case netevent.ConnectionFailed, netevent.ServerInitFailed:
		// Never valid inbound from a client; ignored.
	default:
		s.log.Warn("ignoring unexpected inbound event", "session", s.id, "type", e.Type.String())
	}
}

// acceptIncomingConnection allocates a fresh incoming id for a pairing with
// other and notifies the client. Called by the pool with addr brokering
// already resolved in other's favor.
func (s *Session) acceptIncomingConnection(other *Session) {
	id := s.nextIncomingID
	s.nextIncomingID++
	s.connections[id] = other
	s.emitLocked(netevent.BareEvent(netevent.NewConnection, id))
}

// acceptOutgoingConnection completes a client-initiated connect request using
// the client-chosen id.
func (s *Session) acceptOutgoingConnection(other *Session, id netevent.ConnectionID) {
	s.connections[id] = other
	s.emitLocked(netevent.BareEvent(netevent.NewConnection, id))
}

// denyConnection notifies the client that a connect request for addr/id was
// refused by pool policy.
func (s *Session) denyConnection(addr string, id netevent.ConnectionID) {
	s.emitLocked(netevent.BareEvent(netevent.ConnectionFailed, id))
}

// acceptListening records addr as this session's address and notifies the
// client.
func (s *Session) acceptListening(addr string) {
	s.ownAddress = addr
	s.emitLocked(netevent.TextEvent(netevent.ServerInitialized, netevent.InvalidConnectionID, addr))
}

// denyListening notifies the client that a listen request for addr was
// refused by pool policy.
func (s *Session) denyListening(addr string) {
	s.emitLocked(netevent.TextEvent(netevent.ServerInitFailed, netevent.InvalidConnectionID, addr))
}

func (s *Session) handleServerInitializedLocked(addr string) {
	if s.ownAddress != "" {
		s.stopListenLocked()
	}
	s.ctrl.onListeningRequestLocked(s, addr)
}

func (s *Session) handleServerClosedLocked() {
	if s.ownAddress == "" {
		s.log.Warn("ServerClosed received with no address registered", "session", s.id)
		return
	}
	s.stopListenLocked()
	s.emitLocked(netevent.BareEvent(netevent.ServerClosed, netevent.InvalidConnectionID))
}

// stopListenLocked deregisters ownAddress from the pool without emitting
// anything to the client; the caller is responsible for any client-visible
// event (ServerClosed on explicit stop, nothing on an implicit re-listen).
func (s *Session) stopListenLocked() {
	if s.ownAddress == "" {
		return
	}
	addr := s.ownAddress
	s.ownAddress = ""
	s.ctrl.onStopListeningLocked(s, addr)
}

// disconnectPairLocked tears down the pairing named by id on this session and
// the mirrored entry on the far side, emitting Disconnected to both clients.
// It is also the sole mechanism cleanup uses to unwind every outstanding
// pairing, and is deliberately conservative: on any inconsistency it logs and
// drops rather than guessing which entry to remove.
func (s *Session) disconnectPairLocked(id netevent.ConnectionID) {
	other, present := s.connections[id]
	if !present {
		s.log.Warn("Disconnected for unknown connection id", "session", s.id, "id", id)
		return
	}

	var reverseID netevent.ConnectionID
	foundReverse := false
	for j, sess := range other.connections {
		if sess == s {
			reverseID = j
			foundReverse = true
			break
		}
	}
	if !foundReverse {
		s.log.Error("pair map asymmetry: no reverse entry found", "session", s.id, "id", id, "other", other.id)
		return
	}

	delete(s.connections, id)
	delete(other.connections, reverseID)
	s.emitLocked(netevent.BareEvent(netevent.Disconnected, id))
	other.emitLocked(netevent.BareEvent(netevent.Disconnected, reverseID))
}

// forwardLocked relays a reliable/unreliable message to the peer paired on
// id, translating to the peer's local id for that pairing. The payload (text
// or bytes) is passed on unchanged.
func (s *Session) forwardLocked(e netevent.Event) {
	id := e.ConnectionID
	other, present := s.connections[id]
	if !present {
		s.log.Warn("message for unknown connection id, dropping", "session", s.id, "id", id)
		return
	}

	var reverseID netevent.ConnectionID
	foundReverse := false
	for j, sess := range other.connections {
		if sess == s {
			reverseID = j
			foundReverse = true
			break
		}
	}
	if !foundReverse {
		s.log.Error("pair map asymmetry: no reverse entry found for forward", "session", s.id, "id", id, "other", other.id)
		return
	}

	fwd := e
	fwd.ConnectionID = reverseID
	other.emitLocked(fwd)
}

// emitLocked sends e to this session's client, respecting the state gate:
// outbound sends are permitted in Connected and Disconnecting, forbidden once
// Disconnected (spec open question resolved in favor of admitting
// Disconnecting, since cleanup must still be able to notify peers).
func (s *Session) emitLocked(e netevent.Event) {
	if s.state != StateConnected && s.state != StateDisconnecting {
		s.log.Warn("dropping outbound event: session not connected", "session", s.id, "state", s.state.String(), "type", e.Type.String())
		return
	}
	s.protocol.Send(e)
}

// cleanup is the single funnel every disconnect path (remote close, timeout,
// explicit dispose) runs through. It is idempotent: a second call once state
// is Disconnecting or Disconnected is a no-op.
//
// protocol.Dispose is invoked outside the pool lock because wsconn.Conn's
// Dispose synchronously re-invokes OnClosed -> cleanup on first entry; the
// state guard absorbs that reentrant call once it sees Disconnecting.
func (s *Session) cleanup() {
	s.pool.mu.Lock()
	alreadyDone := s.state == StateDisconnecting || s.state == StateDisconnected
	if !alreadyDone {
		s.state = StateDisconnecting
		s.ctrl.onCleanupLocked(s)

		ids := make([]netevent.ConnectionID, 0, len(s.connections))
		for id := range s.connections {
			ids = append(ids, id)
		}
		for _, id := range ids {
			s.disconnectPairLocked(id)
		}

		if s.ownAddress != "" {
			s.stopListenLocked()
			s.emitLocked(netevent.BareEvent(netevent.ServerClosed, netevent.InvalidConnectionID))
		}
	}
	s.pool.mu.Unlock()

	if alreadyDone {
		return
	}

	s.protocol.Dispose()

	s.pool.mu.Lock()
	s.state = StateDisconnected
	s.pool.mu.Unlock()
}
