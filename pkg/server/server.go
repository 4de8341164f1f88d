package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/boardsync/pkg/access"
	"github.com/vango-dev/boardsync/pkg/boardstate"
	"github.com/vango-dev/boardsync/pkg/protocol"
	"github.com/vango-dev/boardsync/pkg/store"
)

// AuthFunc authenticates a WebSocket upgrade or presence request and
// returns the caller's user id. When set, joins must use that id.
type AuthFunc func(r *http.Request) (userID string, err error)

// ConnObserver receives connection lifecycle notifications, typically for
// metrics. Methods must not block.
type ConnObserver interface {
	ConnOpened()
	ConnClosed(lifetime time.Duration)
	SlowConsumer()
}

// Server is the HTTP/WebSocket sync server.
type Server struct {
	config   *ServerConfig
	registry *Registry
	users    store.UserDirectory
	access   *access.Cached

	upgrader       websocket.Upgrader
	trustedProxies *proxyMatcher
	middleware     []EventMiddleware
	authFunc       AuthFunc
	connObserver   ConnObserver

	handler    http.Handler
	httpServer *http.Server
	closed     atomic.Bool

	now    func() time.Time
	logger *slog.Logger
}

type options struct {
	logger         *slog.Logger
	authFunc       AuthFunc
	middleware     []EventMiddleware
	httpMiddleware []func(http.Handler) http.Handler
	cacheObserver  boardstate.Observer
	connObserver   ConnObserver
	metrics        http.Handler
	clock          boardstate.Clock
	tracerProvider trace.TracerProvider
}

// Option configures a Server.
type Option func(*options)

// WithLogger sets the server logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithAuthFunc authenticates upgrades and pins joins to the returned user.
func WithAuthFunc(fn AuthFunc) Option {
	return func(o *options) { o.authFunc = fn }
}

// WithEventMiddleware appends middleware run around every inbound event.
func WithEventMiddleware(mws ...EventMiddleware) Option {
	return func(o *options) { o.middleware = append(o.middleware, mws...) }
}

// WithHTTPMiddleware appends middleware to the HTTP router.
func WithHTTPMiddleware(mws ...func(http.Handler) http.Handler) Option {
	return func(o *options) { o.httpMiddleware = append(o.httpMiddleware, mws...) }
}

// WithCacheObserver receives board cache load and flush notifications.
func WithCacheObserver(obs boardstate.Observer) Option {
	return func(o *options) { o.cacheObserver = obs }
}

// WithConnObserver receives connection lifecycle notifications.
func WithConnObserver(obs ConnObserver) Option {
	return func(o *options) { o.connObserver = obs }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(o *options) { o.metrics = h }
}

// WithClock drives flush timers and join timestamps from clock.
func WithClock(clock boardstate.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithTracerProvider sets the tracer provider used by the board cache.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// New creates a Server backed by backend. It starts the board cache janitor;
// call Shutdown to stop it.
func New(config *ServerConfig, backend store.Backend, opts ...Option) (*Server, error) {
	if backend == nil {
		return nil, errors.New("server: nil backend")
	}
	if config == nil {
		config = DefaultServerConfig()
	} else {
		config = config.Clone()
	}
	config.fillDefaults()

	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With("component", "server")

	bc := config.boardConfig()
	bc.Logger = o.logger
	bc.Observer = o.cacheObserver
	bc.TracerProvider = o.tracerProvider
	if o.clock != nil {
		bc.Clock = o.clock
	}
	now := time.Now
	if o.clock != nil {
		now = o.clock.Now
	}
	authz := access.NewCached(backend,
		access.WithTTL(config.AuthCacheTTL),
		access.WithNow(now))
	bc.OnSweep = func() { authz.Prune() }

	cache := boardstate.New(backend, bc)
	if err := cache.StartJanitor(); err != nil {
		_ = cache.Close(context.Background())
		return nil, fmt.Errorf("server: %w", err)
	}

	s := &Server{
		config:   config,
		registry: newRegistry(cache),
		users:    backend,
		access:   authz,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    config.ReadBufferSize,
			WriteBufferSize:   config.WriteBufferSize,
			CheckOrigin:       config.CheckOrigin,
			EnableCompression: config.EnableCompression,
		},
		trustedProxies: newProxyMatcher(config.TrustedProxies, logger),
		middleware:     o.middleware,
		authFunc:       o.authFunc,
		connObserver:   o.connObserver,
		now:            now,
		logger:         logger,
	}
	s.handler = s.routes(o.httpMiddleware, o.metrics)
	return s, nil
}

func (s *Server) routes(mws []func(http.Handler) http.Handler, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.Recoverer)
	for _, mw := range mws {
		r.Use(mw)
	}

	r.Get("/ws", s.HandleWebSocket)
	r.Get("/api/boards/{boardID}/presence", s.handlePresence)
	r.Get("/healthz", s.handleHealth)
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}
	return r
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// HandleWebSocket upgrades the request and starts the connection loops.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	var authUser string
	if s.authFunc != nil {
		id, err := s.authFunc(r)
		if err != nil || id == "" {
			s.logger.Debug("websocket auth failed", "error", err, "remote_ip", s.clientIP(r))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		authUser = id
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied.
		s.logger.Debug("websocket upgrade failed", "error", err, "remote_ip", s.clientIP(r))
		return
	}

	c := newConn(ws, s.config.ConnConfig, s.logger, s.clientIP(r), authUser)
	if !s.registry.register(c) {
		c.Close()
		return
	}
	if s.connObserver != nil {
		s.connObserver.ConnOpened()
	}
	c.logger.Debug("connection opened", "remote_ip", c.remoteIP)

	go c.writeLoop()
	go func() {
		defer s.disconnect(c)
		c.readLoop(func(frame []byte) { s.dispatch(c, frame) })
	}()
}

type presenceResponse []protocol.User

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	boardID := chi.URLParam(r, "boardID")

	if s.authFunc != nil {
		userID, err := s.authFunc(r)
		if err != nil || userID == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		level, err := s.access.Access(r.Context(), userID, boardID)
		if err != nil {
			s.logger.Error("presence access check failed", "board_id", boardID, "error", err)
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		if !level.CanView() {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	writeJSON(w, http.StatusOK, presenceResponse(rosterOf(s.registry.presence.ListActive(boardID))))
}

type healthResponse struct {
	Status      string   `json:"status"`
	Connections int      `json:"connections"`
	Boards      int      `json:"boards"`
	Online      int      `json:"online"`
	Resident    int      `json:"resident"`
	Pending     int      `json:"pending"`
	Degraded    []string `json:"degraded,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.registry.boards.Stats()
	resp := healthResponse{
		Status:      "ok",
		Connections: s.registry.Conns(),
		Boards:      s.registry.rooms.Len(),
		Online:      s.registry.presence.Total(),
		Resident:    stats.Entries,
		Pending:     stats.Pending,
		Degraded:    s.registry.boards.DegradedBoards(),
	}
	code := http.StatusOK
	switch {
	case s.closed.Load():
		resp.Status = "shutting_down"
		code = http.StatusServiceUnavailable
	case len(resp.Degraded) > 0:
		resp.Status = "degraded"
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Run starts the server and blocks until it receives SIGINT or SIGTERM,
// then shuts down gracefully.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:              s.config.Address,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "address", s.config.Address)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			_ = s.Shutdown(context.Background())
			return err
		}
		return nil

	case <-shutdown:
		s.logger.Info("shutting down...")
		return s.Shutdown(context.Background())
	}
}

// Shutdown stops accepting connections, disconnects every client, then
// flushes every pending board write. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	s.registry.closeAll()
	select {
	case <-s.registry.wait():
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("server: waiting for connections: %w", ctx.Err()))
	}

	if err := s.registry.boards.Close(ctx); err != nil {
		s.logger.Error("final flush failed", "error", err)
		errs = append(errs, err)
	}

	s.logger.Info("server shutdown complete")
	return errors.Join(errs...)
}

// Registry returns the server's shared state.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Access returns the cached authorizer. Call Invalidate on it after
// changing a board's collaborators.
func (s *Server) Access() *access.Cached {
	return s.access
}

// Config returns the server configuration.
func (s *Server) Config() *ServerConfig {
	return s.config
}

// Logger returns the server logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}
