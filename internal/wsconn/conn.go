// Package wsconn implements the Protocol session: it owns exactly one
// websocket, frames and deframes NetworkEvents on it, runs the
// heartbeat/version handshake, and funnels every failure path (transport
// error, transport close, missed heartbeat, malformed frame) through a
// single idempotent Dispose.
package wsconn

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/because-why-not/awrtc-signaling/internal/netevent"
)

// LocalProtocolVersion is the version this relay advertises in the
// MetaVersion handshake.
const LocalProtocolVersion uint8 = 2

// MinSupportedProtocolVersion is tolerated for backward compatibility; older
// clients that never send MetaVersion/MetaHeartbeat are unaffected since
// those messages are optional from the client's side.
const MinSupportedProtocolVersion uint8 = 1

const (
	heartbeatInterval = 30 * time.Second
	writeWait         = 5 * time.Second
	forcedCloseDelay  = 5 * time.Second
)

// Listener receives events and the terminal close notification from a Conn.
// Modeled as a two-method interface so a Conn never needs to know it is
// talking to a peer session specifically.
type Listener interface {
	OnEvent(e netevent.Event)
	OnClosed()
}

// Conn is the Protocol session for one client socket.
type Conn struct {
	ws       *websocket.Conn
	listener Listener
	log      *slog.Logger
	limiter  *rate.Limiter

	writeMu sync.Mutex

	mu            sync.Mutex
	open          bool
	pongReceived  bool
	remoteVersion uint8

	closeOnce sync.Once
	closeDone chan struct{}

	heartbeatStop chan struct{}
}

// New wraps ws as a Protocol session and starts its heartbeat ticker. The
// caller must invoke ReadLoop (typically in its own goroutine) to begin
// processing inbound frames; ReadLoop blocks until the socket is gone.
//
// limiter, if non-nil, bounds how many inbound frames per second this
// connection may push into its listener; frames beyond the limit are
// dropped with a warning log rather than closing the socket.
//
// maxPayload caps the size in bytes of a single inbound message; the
// transport closes the connection outright if a frame exceeds it. A
// maxPayload of 0 leaves gorilla/websocket's own default limit in place.
func New(ws *websocket.Conn, listener Listener, log *slog.Logger, limiter *rate.Limiter, maxPayload int) *Conn {
	if log == nil {
		log = slog.Default()
	}
	if maxPayload > 0 {
		ws.SetReadLimit(int64(maxPayload))
	}
	c := &Conn{
		ws:            ws,
		listener:      listener,
		log:           log,
		limiter:       limiter,
		open:          true,
		pongReceived:  true,
		closeDone:     make(chan struct{}),
		heartbeatStop: make(chan struct{}),
	}

	ws.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.pongReceived = true
		c.mu.Unlock()
		return nil
	})

	go c.heartbeatLoop()

	return c
}

// ReadLoop reads frames until the socket closes or a fatal error occurs, then
// disposes the connection. It must be called at most once.
func (c *Conn) ReadLoop() {
	defer c.Dispose()

	for {
		msgType, r, err := c.ws.NextReader()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		buf := make([]byte, 0, 256)
		tmp := make([]byte, 4096)
		for {
			n, rerr := r.Read(tmp)
			if n > 0 {
				buf = append(buf, tmp[:n]...)
			}
			if rerr != nil {
				break
			}
		}

		e, derr := netevent.Decode(buf)
		if derr != nil {
			c.log.Warn("malformed frame, closing connection", "err", derr)
			return
		}

		c.handleFrame(e)
	}
}

func (c *Conn) handleFrame(e netevent.Event) {
	switch e.Type {
	case netevent.MetaVersion:
		c.mu.Lock()
		c.remoteVersion = e.Version
		c.mu.Unlock()
		c.Send(netevent.Event{Type: netevent.MetaVersion, ConnectionID: netevent.InvalidConnectionID, Version: LocalProtocolVersion})
	case netevent.MetaHeartbeat:
		c.Send(netevent.Event{Type: netevent.MetaHeartbeat, ConnectionID: netevent.InvalidConnectionID})
	default:
		if c.limiter != nil && !c.limiter.Allow() {
			c.log.Warn("dropping inbound frame: rate limit exceeded", "type", e.Type.String())
			return
		}
		if c.listener != nil {
			c.listener.OnEvent(e)
		}
	}
}

// Send transmits e to the client. It is a no-op (with a warning log) when the
// underlying socket is not open. Callers above this layer (the peer session)
// are responsible for their own state gating; Send only enforces the
// transport-level open/closed state.
func (c *Conn) Send(e netevent.Event) {
	c.mu.Lock()
	open := c.open
	c.mu.Unlock()
	if !open {
		c.log.Warn("dropping outbound frame: socket not open", "type", e.Type.String())
		return
	}
	c.sendRaw(e)
}

// sendRaw encodes and writes e without checking the open state; Send does
// that check before calling it. The handshake replies go through Send too, so
// they respect socket state but not any peer-session gating.
func (c *Conn) sendRaw(e netevent.Event) {
	b, err := netevent.Encode(e)
	if err != nil {
		c.log.Error("failed to encode outbound frame", "err", err)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		c.log.Warn("write failed", "err", err)
	}
}

func (c *Conn) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			open := c.open
			alive := c.pongReceived
			if open {
				c.pongReceived = false
			}
			c.mu.Unlock()

			if !open {
				return
			}
			if !alive {
				c.log.Warn("no pong received since last heartbeat tick, closing connection")
				go c.Dispose()
				return
			}

			c.writeMu.Lock()
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				go c.Dispose()
				return
			}
		case <-c.heartbeatStop:
			return
		}
	}
}

// Dispose is idempotent: it stops the heartbeat, raises OnClosed exactly
// once, requests a graceful close (code 1000), and forces the socket closed
// after forcedCloseDelay if the transport has not completed closing by then.
//
// OnClosed is raised after the Once has completed, so a listener that calls
// Dispose again from inside OnClosed returns immediately instead of
// re-entering the Once.
func (c *Conn) Dispose() {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.mu.Lock()
		c.open = false
		c.mu.Unlock()

		close(c.heartbeatStop)
	})
	if !first {
		return
	}

	if c.listener != nil {
		c.listener.OnClosed()
	}

	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()

	// The local transport tears down synchronously, but we still arm the
	// forced-close guard the spec describes: if some future transport made
	// the graceful close asynchronous, this backstops it. Close() is
	// idempotent, so firing it twice is harmless.
	_ = c.ws.Close()
	time.AfterFunc(forcedCloseDelay, func() {
		_ = c.ws.Close()
	})
	close(c.closeDone)
}

// Done returns a channel that is closed once Dispose has run to completion.
func (c *Conn) Done() <-chan struct{} {
	return c.closeDone
}

// CloseWithCode sends a close frame with the given code/reason and disposes
// the connection. Used by admission failures before ReadLoop has even
// started (e.g. invalid userToken).
func CloseWithCode(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	_ = ws.Close()
}
