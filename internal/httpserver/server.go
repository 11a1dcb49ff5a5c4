package httpserver

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/because-why-not/awrtc-signaling/internal/admintoken"
	"github.com/because-why-not/awrtc-signaling/internal/config"
	"github.com/because-why-not/awrtc-signaling/internal/metrics"
	"github.com/because-why-not/awrtc-signaling/internal/netevent"
	"github.com/because-why-not/awrtc-signaling/internal/signaling"
	"github.com/because-why-not/awrtc-signaling/internal/wsconn"
)

// BuildInfo identifies the running binary.
type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// Server is the relay's HTTP front-end: websocket upgrade/admission for
// `/ws/{appPath}`, admin token issuance, and the Prometheus/health endpoints,
// all sharing one mux and middleware chain.
type Server struct {
	log   *slog.Logger
	cfg   config.Config
	build BuildInfo

	registry *signaling.Registry
	tokens   *admintoken.Store
	metrics  *metrics.Collector
	promReg  *prometheus.Registry

	upgrader websocket.Upgrader

	ready atomic.Bool

	mux *http.ServeMux
	srv *http.Server
}

// New constructs a Server. registry supplies one PeerPool per configured app;
// tokens guards websocket admission and is itself guarded by the configured
// admin secret; mcol/promReg back the /metrics endpoint.
func New(cfg config.Config, logger *slog.Logger, build BuildInfo, registry *signaling.Registry, tokens *admintoken.Store, mcol *metrics.Collector, promReg *prometheus.Registry) *Server {
	s := &Server{
		log:      logger,
		cfg:      cfg,
		build:    build,
		registry: registry,
		tokens:   tokens,
		metrics:  mcol,
		promReg:  promReg,
		mux:      http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy for the upgrade itself is handled by
			// originMiddleware, which exempts /ws/ from same-host
			// enforcement; the Upgrader's own check is left permissive.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.registerRoutes()

	// Create each pool's series up front so /metrics lists them at zero
	// before the first connection.
	if mcol != nil {
		for _, p := range registry.Pools() {
			mcol.ConnectionsAccepted.WithLabelValues(p.Name())
			mcol.ActiveSessions.WithLabelValues(p.Name())
		}
	}

	handler := chain(s.mux,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
		s.originMiddleware(),
	)

	addr := cfg.HTTP.Addr
	if cfg.TLSEnabled() {
		addr = cfg.HTTPS.Addr
	}

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Mux returns the underlying ServeMux for registering additional routes. It
// must only be used during startup before Serve is called.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// Serve accepts connections on l, using TLS when the configured HTTPS block
// carries both a cert and a key.
func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	if s.cfg.TLSEnabled() {
		s.log.Info("https server serving", "addr", l.Addr().String())
		return s.srv.ServeTLS(l, s.cfg.HTTPS.CertFile, s.cfg.HTTPS.KeyFile)
	}
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": s.ready.Load()})
	})

	s.mux.HandleFunc("GET /ws/{appPath}", s.handleWebsocket)

	s.mux.Handle("POST /admin/tokens", gziphandler.GzipHandler(http.HandlerFunc(s.handleIssueToken)))
	s.mux.Handle("GET /metrics", gziphandler.GzipHandler(metrics.Handler(s.promReg)))
}

// handleWebsocket upgrades the request to a websocket, admits it per the
// configured admin-token policy, and wires a fresh Session onto the pool
// registered for {appPath}. An unknown appPath is a 404 and the handshake
// never completes. A missing or unknown userToken (when admission is enabled)
// is answered by closing the upgraded socket with code 1008 "Invalid token".
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	appPath := "/" + r.PathValue("appPath")

	pool, ok := s.registry.Lookup(appPath)
	if !ok {
		http.NotFound(w, r)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if s.tokens.Enabled() && !s.tokens.Verify(r.URL.Query().Get("userToken")) {
		if s.metrics != nil {
			s.metrics.ConnectionsRejected.WithLabelValues("invalid_token").Inc()
		}
		wsconn.CloseWithCode(ws, websocket.ClosePolicyViolation, "Invalid token")
		return
	}

	sessLog := s.log.With("pool", pool.Name())

	var limiter *rate.Limiter
	if s.cfg.RateLimit.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimit.MessagesPerSecond), s.cfg.RateLimit.Burst)
	}

	holder := &sessionHolder{}
	conn := wsconn.New(ws, holder, sessLog, limiter, s.cfg.MaxPayload)
	sess := signaling.NewSession(conn, pool, sessLog)
	holder.session = sess
	pool.Register(sess)

	if s.metrics != nil {
		s.metrics.ConnectionsAccepted.WithLabelValues(pool.Name()).Inc()
		s.metrics.ActiveSessions.WithLabelValues(pool.Name()).Inc()
		go func() {
			<-conn.Done()
			s.metrics.ActiveSessions.WithLabelValues(pool.Name()).Dec()
		}()
	}

	conn.ReadLoop()
}

// sessionHolder breaks the construction cycle between wsconn.Conn (which
// needs a Listener at construction) and signaling.Session (which needs a
// Protocol at construction): the Conn is given the holder, and the holder is
// pointed at the real Session the instant it exists, before ReadLoop starts.
type sessionHolder struct {
	session *signaling.Session
}

func (h *sessionHolder) OnEvent(e netevent.Event) { h.session.OnEvent(e) }
func (h *sessionHolder) OnClosed()                { h.session.OnClosed() }

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if !s.tokens.Enabled() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "admin token issuance disabled"})
		return
	}
	if !s.tokens.VerifyAdmin(bearerToken(r)) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}
	token, err := s.tokens.Issue()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

type middleware func(http.Handler) http.Handler

func chain(handler http.Handler, middlewares ...middleware) http.Handler {
	h := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func recoverMiddleware(logger *slog.Logger) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic in http handler", "recover", rec, "stack", string(debug.Stack()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				var buf [16]byte
				if _, err := rand.Read(buf[:]); err == nil {
					reqID = hex.EncodeToString(buf[:])
				}
			}
			if reqID != "" {
				r.Header.Set("X-Request-ID", reqID)
				w.Header().Set("X-Request-ID", reqID)
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	// Websocket upgrades bypass WriteHeader, so track 101 explicitly to avoid
	// logging these requests as 200 OK.
	if w.status == http.StatusOK {
		w.status = http.StatusSwitchingProtocols
	}
	return hijacker.Hijack()
}

func (w *statusWriter) Push(target string, opts *http.PushOptions) error {
	pusher, ok := w.ResponseWriter.(http.Pusher)
	if !ok {
		return http.ErrNotSupported
	}
	return pusher.Push(target, opts)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func requestLoggerMiddleware(logger *slog.Logger) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(sw, r)

			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", r.Header.Get("X-Request-ID"),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}
