package signaling

import (
	"io"
	"log/slog"
	"testing"

	"github.com/because-why-not/awrtc-signaling/internal/netevent"
)

// fakeProtocol is a Protocol that records every sent event instead of
// touching a real socket.
type fakeProtocol struct {
	sent     []netevent.Event
	disposed bool
}

func (f *fakeProtocol) Send(e netevent.Event) { f.sent = append(f.sent, e) }
func (f *fakeProtocol) Dispose()              { f.disposed = true }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSession(t *testing.T, p *Pool) (*Session, *fakeProtocol) {
	t.Helper()
	fp := &fakeProtocol{}
	s := NewSession(fp, p, testLogger())
	p.Register(s)
	return s, fp
}

func lastEvent(fp *fakeProtocol) netevent.Event {
	return fp.sent[len(fp.sent)-1]
}

// S1 — unshared listen + connect + message.
func TestUnsharedListenAndConnect(t *testing.T) {
	p := NewPool("app", false, testLogger())
	p1, fp1 := newTestSession(t, p)
	p2, fp2 := newTestSession(t, p)

	p1.OnEvent(netevent.TextEvent(netevent.ServerInitialized, netevent.InvalidConnectionID, "room"))
	if got := lastEvent(fp1); got.Type != netevent.ServerInitialized || got.Text != "room" {
		t.Fatalf("p1 expected ServerInitialized(room), got %+v", got)
	}

	p2.OnEvent(netevent.TextEvent(netevent.NewConnection, 42, "room"))

	if got := lastEvent(fp1); got.Type != netevent.NewConnection || got.ConnectionID != netevent.FirstIncomingConnectionID {
		t.Fatalf("p1 expected NewConnection(16384), got %+v", got)
	}
	if got := lastEvent(fp2); got.Type != netevent.NewConnection || got.ConnectionID != 42 {
		t.Fatalf("p2 expected NewConnection(42), got %+v", got)
	}

	p2.OnEvent(netevent.TextEvent(netevent.ReliableMessageReceived, 42, "hi"))
	if got := lastEvent(fp1); got.Type != netevent.ReliableMessageReceived || got.ConnectionID != netevent.FirstIncomingConnectionID || got.Text != "hi" {
		t.Fatalf("p1 expected ReliableMessageReceived(16384, hi), got %+v", got)
	}
}

// S2 — denied duplicate listen.
func TestDeniedDuplicateListen(t *testing.T) {
	p := NewPool("app", false, testLogger())
	p1, _ := newTestSession(t, p)
	p3, fp3 := newTestSession(t, p)

	p1.OnEvent(netevent.TextEvent(netevent.ServerInitialized, netevent.InvalidConnectionID, "room"))
	p3.OnEvent(netevent.TextEvent(netevent.ServerInitialized, netevent.InvalidConnectionID, "room"))

	got := lastEvent(fp3)
	if got.Type != netevent.ServerInitFailed || got.Text != "room" {
		t.Fatalf("p3 expected ServerInitFailed(room), got %+v", got)
	}
	if p.ListenerCount("room") != 1 {
		t.Fatalf("ListenerCount(room)=%d, want 1", p.ListenerCount("room"))
	}
}

// S3 — shared listen cross-connect.
func TestSharedListenCrossConnect(t *testing.T) {
	p := NewPool("app", true, testLogger())
	p1, fp1 := newTestSession(t, p)
	p2, fp2 := newTestSession(t, p)

	p1.OnEvent(netevent.TextEvent(netevent.ServerInitialized, netevent.InvalidConnectionID, "r"))
	p2.OnEvent(netevent.TextEvent(netevent.ServerInitialized, netevent.InvalidConnectionID, "r"))

	if len(fp1.sent) != 2 || fp1.sent[0].Type != netevent.ServerInitialized || fp1.sent[1].Type != netevent.NewConnection {
		t.Fatalf("p1 expected [ServerInitialized, NewConnection], got %+v", fp1.sent)
	}
	if len(fp2.sent) != 2 || fp2.sent[0].Type != netevent.ServerInitialized || fp2.sent[1].Type != netevent.NewConnection {
		t.Fatalf("p2 expected [ServerInitialized, NewConnection], got %+v", fp2.sent)
	}
	if fp1.sent[1].ConnectionID != netevent.FirstIncomingConnectionID || fp2.sent[1].ConnectionID != netevent.FirstIncomingConnectionID {
		t.Fatalf("both sides should get id 16384 (each its own pair map), got %d and %d", fp1.sent[1].ConnectionID, fp2.sent[1].ConnectionID)
	}
}

// S4 — symmetric disconnect.
func TestSymmetricDisconnect(t *testing.T) {
	p := NewPool("app", false, testLogger())
	p1, fp1 := newTestSession(t, p)
	p2, fp2 := newTestSession(t, p)

	p1.OnEvent(netevent.TextEvent(netevent.ServerInitialized, netevent.InvalidConnectionID, "room"))
	p2.OnEvent(netevent.TextEvent(netevent.NewConnection, 42, "room"))

	p2.OnEvent(netevent.BareEvent(netevent.Disconnected, 42))

	if got := lastEvent(fp1); got.Type != netevent.Disconnected || got.ConnectionID != netevent.FirstIncomingConnectionID {
		t.Fatalf("p1 expected Disconnected(16384), got %+v", got)
	}
	if got := lastEvent(fp2); got.Type != netevent.Disconnected || got.ConnectionID != 42 {
		t.Fatalf("p2 expected Disconnected(42), got %+v", got)
	}
	if p1.State() != StateConnected || p2.State() != StateConnected {
		t.Fatalf("both sessions should remain Connected, got %s and %s", p1.State(), p2.State())
	}
	if len(p1.connections) != 0 || len(p2.connections) != 0 {
		t.Fatalf("pair map entries should be removed on both sides")
	}
}

// S5 — abrupt transport close.
func TestAbruptTransportClose(t *testing.T) {
	p := NewPool("app", false, testLogger())
	p1, fp1 := newTestSession(t, p)
	p2, _ := newTestSession(t, p)

	p1.OnEvent(netevent.TextEvent(netevent.ServerInitialized, netevent.InvalidConnectionID, "room"))
	p2.OnEvent(netevent.TextEvent(netevent.NewConnection, 42, "room"))

	p2.OnClosed()

	if got := lastEvent(fp1); got.Type != netevent.Disconnected || got.ConnectionID != netevent.FirstIncomingConnectionID {
		t.Fatalf("p1 expected Disconnected(16384), got %+v", got)
	}
	if p2.State() != StateDisconnected {
		t.Fatalf("p2 expected Disconnected state, got %s", p2.State())
	}
	if p.SessionCount() != 1 {
		t.Fatalf("SessionCount=%d, want 1", p.SessionCount())
	}
}

// S6 — connect to a shared address is denied.
func TestConnectToSharedAddressDenied(t *testing.T) {
	p := NewPool("app", true, testLogger())
	p1, fp1 := newTestSession(t, p)
	p2, fp2 := newTestSession(t, p)
	p3, fp3 := newTestSession(t, p)

	p1.OnEvent(netevent.TextEvent(netevent.ServerInitialized, netevent.InvalidConnectionID, "r"))
	p2.OnEvent(netevent.TextEvent(netevent.ServerInitialized, netevent.InvalidConnectionID, "r"))
	n1, n2 := len(fp1.sent), len(fp2.sent)

	p3.OnEvent(netevent.TextEvent(netevent.NewConnection, 7, "r"))

	if got := lastEvent(fp3); got.Type != netevent.ConnectionFailed || got.ConnectionID != 7 {
		t.Fatalf("p3 expected ConnectionFailed(7), got %+v", got)
	}
	if len(fp1.sent) != n1 || len(fp2.sent) != n2 {
		t.Fatalf("p1/p2 should receive nothing further")
	}
}

func TestIdempotentCleanup(t *testing.T) {
	p := NewPool("app", false, testLogger())
	s, fp := newTestSession(t, p)

	s.OnClosed()
	sentAfterFirst := len(fp.sent)
	disposedAfterFirst := fp.disposed

	s.OnClosed()

	if len(fp.sent) != sentAfterFirst {
		t.Fatalf("second cleanup emitted more events: %d -> %d", sentAfterFirst, len(fp.sent))
	}
	if fp.disposed != disposedAfterFirst {
		t.Fatalf("disposed flag changed on second cleanup")
	}
	if s.State() != StateDisconnected {
		t.Fatalf("state should remain Disconnected, got %s", s.State())
	}
}

func TestStateGatedEmission(t *testing.T) {
	p := NewPool("app", false, testLogger())
	s, fp := newTestSession(t, p)

	s.OnClosed()
	before := len(fp.sent)

	p.mu.Lock()
	s.emitLocked(netevent.BareEvent(netevent.Log, netevent.InvalidConnectionID))
	p.mu.Unlock()

	if len(fp.sent) != before {
		t.Fatalf("emit after Disconnected should be dropped, got %d new events", len(fp.sent)-before)
	}
}

func TestIncomingIDAllocationMonotonic(t *testing.T) {
	p := NewPool("app", true, testLogger())
	s, fp := newTestSession(t, p)
	other, _ := newTestSession(t, p)

	p.mu.Lock()
	s.acceptIncomingConnection(other)
	s.acceptIncomingConnection(other)
	s.acceptIncomingConnection(other)
	p.mu.Unlock()

	ids := make([]netevent.ConnectionID, len(fp.sent))
	for i, e := range fp.sent {
		ids[i] = e.ConnectionID
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("ids not strictly increasing: %v", ids)
		}
	}
	if ids[0] != netevent.FirstIncomingConnectionID {
		t.Fatalf("first allocated id = %d, want %d", ids[0], netevent.FirstIncomingConnectionID)
	}
}
