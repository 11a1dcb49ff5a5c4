package signaling

import (
	"strings"
	"testing"

	"github.com/because-why-not/awrtc-signaling/internal/netevent"
)

func TestAddressTooLongIsUnavailable(t *testing.T) {
	p := NewPool("app", false, testLogger())
	s, fp := newTestSession(t, p)

	addr := strings.Repeat("a", maxAddressLength+1)
	s.OnEvent(netevent.TextEvent(netevent.ServerInitialized, netevent.InvalidConnectionID, addr))

	if got := lastEvent(fp); got.Type != netevent.ServerInitFailed {
		t.Fatalf("expected ServerInitFailed for over-long address, got %+v", got)
	}
	if p.ListenerCount(addr) != 0 {
		t.Fatalf("over-long address should not be registered")
	}
}

func TestAddressExclusivityUnshared(t *testing.T) {
	p := NewPool("app", false, testLogger())
	s1, _ := newTestSession(t, p)
	s2, fp2 := newTestSession(t, p)

	s1.OnEvent(netevent.TextEvent(netevent.ServerInitialized, netevent.InvalidConnectionID, "room"))
	s2.OnEvent(netevent.TextEvent(netevent.ServerInitialized, netevent.InvalidConnectionID, "room"))

	if p.ListenerCount("room") != 1 {
		t.Fatalf("ListenerCount(room)=%d, want 1", p.ListenerCount("room"))
	}
	if got := lastEvent(fp2); got.Type != netevent.ServerInitFailed {
		t.Fatalf("second listener expected ServerInitFailed, got %+v", got)
	}
}

func TestAddressExclusivityShared(t *testing.T) {
	p := NewPool("app", true, testLogger())
	s1, _ := newTestSession(t, p)
	s2, _ := newTestSession(t, p)
	s3, _ := newTestSession(t, p)

	s1.OnEvent(netevent.TextEvent(netevent.ServerInitialized, netevent.InvalidConnectionID, "room"))
	s2.OnEvent(netevent.TextEvent(netevent.ServerInitialized, netevent.InvalidConnectionID, "room"))
	s3.OnEvent(netevent.TextEvent(netevent.ServerInitialized, netevent.InvalidConnectionID, "room"))

	if p.ListenerCount("room") != 3 {
		t.Fatalf("ListenerCount(room)=%d, want 3", p.ListenerCount("room"))
	}
}

func TestRegistryDuplicatePath(t *testing.T) {
	apps := []AppConfig{
		{Name: "a", Path: "/app"},
		{Name: "b", Path: "/app"},
	}
	if _, err := NewRegistry(apps, testLogger()); err == nil {
		t.Fatal("expected error for duplicate app path")
	}
}

func TestRegistryLookup(t *testing.T) {
	apps := []AppConfig{
		{Name: "demo", Path: "/app", AddressSharing: true},
	}
	r, err := NewRegistry(apps, testLogger())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	pool, ok := r.Lookup("/app")
	if !ok {
		t.Fatal("expected /app to be registered")
	}
	if pool.Name() != "demo" {
		t.Fatalf("pool name = %q, want demo", pool.Name())
	}
	if _, ok := r.Lookup("/missing"); ok {
		t.Fatal("expected /missing to be absent")
	}
}
