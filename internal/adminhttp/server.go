package adminhttp

import (
	"context"
	"errors"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/unrolled/secure"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/bavix/devpair/internal/config"
	customerrors "github.com/bavix/devpair/internal/errors"
	"github.com/bavix/devpair/internal/metrics"
	"github.com/bavix/devpair/internal/pairing"
	"github.com/bavix/devpair/internal/state"
	"github.com/bavix/devpair/internal/version"
	"github.com/bavix/devpair/internal/worker"
)

const (
	defaultReadHeaderTimeout     = 5 * time.Second
	defaultIdleTimeout           = 10 * time.Second
	defaultWriteTimeout          = 15 * time.Second
	defaultShutdownTimeout       = 5 * time.Second
	defaultStatsInterval         = 5 * time.Second
	defaultWebSocketReadLimit    = 1024
	defaultWebSocketTimeout      = 60 * time.Second
	defaultWebSocketPingInterval = 30 * time.Second
	defaultWebSocketPingTimeout  = 5 * time.Second
)

// Worker is the part of the command worker the bridge drives.
type Worker interface {
	Send(i worker.Intent) bool
	Next(ctx context.Context) (worker.Result, error)
}

// Server exposes the interactive state over HTTP and a websocket so an
// external UI can send intents and follow their results.
type Server struct {
	cfg     config.HTTPConfig
	mux     *mux.Router
	worker  Worker
	apps    *pairing.Apps
	limiter func(http.Handler) http.Handler

	stMu sync.RWMutex
	st   state.State

	wsMu  sync.Mutex
	conns map[*websocket.Conn]struct{}

	startTime time.Time
	version   string
}

// NewServer builds the bridge. Call Serve and Pump to run it.
func NewServer(cfg config.HTTPConfig, w Worker, apps *pairing.Apps) *Server {
	s := &Server{
		cfg:       cfg,
		mux:       mux.NewRouter(),
		worker:    w,
		apps:      apps,
		limiter:   RateLimitMiddleware(cfg.RatePerSecond, cfg.Burst),
		st:        state.New(apps.List()),
		conns:     make(map[*websocket.Conn]struct{}),
		startTime: time.Now(),
		version:   version.String(),
	}

	s.routes()

	return s
}

// State returns the current interactive state.
func (s *Server) State() state.State {
	s.stMu.RLock()
	defer s.stMu.RUnlock()

	return s.st
}

func (s *Server) update(fn func(state.State) state.State) state.State {
	s.stMu.Lock()
	s.st = fn(s.st)
	st := s.st
	s.stMu.Unlock()

	return st
}

// Serve listens on the configured address until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.cfg.Listen)
	if err != nil {
		return err
	}

	srv := s.createServer(ctx, s.Handler(ctx))

	zerolog.Ctx(ctx).Info().Str("addr", ln.Addr().String()).Msg("http listen")

	go s.broadcastStats(ctx)

	metrics.SetReady(true)
	defer metrics.SetReady(false)

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Pump applies worker results to the state and pushes them to websocket
// clients. It fails with ErrWorkerStopped if the worker goes away first.
func (s *Server) Pump(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)

	for {
		res, err := s.worker.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			logger.Error().Err(err).Msg("result stream closed")

			return err
		}

		st := s.update(func(cur state.State) state.State { return state.Apply(cur, res) })

		s.broadcast(envelope{Type: "result", Data: resultView(res)})
		s.broadcast(envelope{Type: "state", Data: st})
	}
}

func (s *Server) broadcastStats(ctx context.Context) {
	ticker := time.NewTicker(defaultStatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.broadcast(envelope{Type: "stats", Data: s.collectStats()})
		}
	}
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.limiter)

	api.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	api.HandleFunc("/intents", s.handleIntent).Methods(http.MethodPost)
	api.HandleFunc("/apps", s.handleApps).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)

	s.mux.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type resultDTO struct {
	Kind      string `json:"kind"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Hint      string `json:"hint,omitempty"`
}

func resultView(res worker.Result) resultDTO {
	dto := resultDTO{Kind: res.Kind(), OK: res.Failure() == nil}
	if err := res.Failure(); err != nil {
		dto.Error = err.Error()
		dto.ErrorKind = string(customerrors.Classify(err))
	}

	if mu, ok := res.(worker.MuxUnavailable); ok {
		dto.Hint = mu.Hint
	}

	return dto
}

type serverInfoDTO struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Uptime    string `json:"uptime"`
}

func jsonError(w http.ResponseWriter, r *http.Request, status int, err error) {
	render.Status(r, status)
	render.JSON(w, r, map[string]string{"error": err.Error()})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.State())
}

func (s *Server) handleApps(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.apps.List())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.collectStats())
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, serverInfoDTO{
		Version:   s.version,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   s.version,
		"uptime":    time.Since(s.startTime).String(),
	})
}

func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	var req IntentRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		jsonError(w, r, http.StatusBadRequest, err)

		return
	}

	var (
		intents []worker.Intent
		planErr error
	)

	st := s.update(func(cur state.State) state.State {
		next, in, err := plan(cur, s.apps, req)
		if err != nil {
			planErr = err

			return cur
		}

		intents = in

		return next
	})

	if planErr != nil {
		jsonError(w, r, statusFor(planErr), planErr)

		return
	}

	for _, in := range intents {
		if !s.worker.Send(in) {
			jsonError(w, r, http.StatusServiceUnavailable, customerrors.ErrWorkerStopped)

			return
		}
	}

	s.broadcast(envelope{Type: "state", Data: st})

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, map[string]any{"accepted": req.Type, "intents": len(intents)})
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }} //nolint:gochecknoglobals // websocket upgrader

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// http.Error would conflict with the upgrade
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("WebSocket upgrade failed")

		return
	}

	s.wsMu.Lock()
	s.conns[conn] = struct{}{}
	metrics.M.WSClients.Set(float64(len(s.conns)))
	_ = conn.WriteJSON(envelope{Type: "state", Data: s.State()})
	_ = conn.WriteJSON(envelope{Type: "stats", Data: s.collectStats()})
	s.wsMu.Unlock()

	conn.SetReadLimit(defaultWebSocketReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(defaultWebSocketTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(defaultWebSocketTimeout))

		return nil
	})

	done := make(chan struct{})

	go func(c *websocket.Conn) {
		ticker := time.NewTicker(defaultWebSocketPingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := c.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(defaultWebSocketPingTimeout)); err != nil {
					return
				}
			}
		}
	}(conn)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	close(done)

	s.wsMu.Lock()
	delete(s.conns, conn)
	metrics.M.WSClients.Set(float64(len(s.conns)))
	s.wsMu.Unlock()

	_ = conn.Close()
}

func (s *Server) collectStats() metrics.Stats {
	st, _ := metrics.GatherStats(nil, metrics.Service())

	return st
}

func (s *Server) broadcast(v any) {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()

	for c := range s.conns {
		_ = c.WriteJSON(v)
	}
}

// Handler is the full middleware chain with the websocket route in front.
func (s *Server) Handler(ctx context.Context) http.Handler {
	handler := s.buildMiddlewareChain(ctx)

	// WebSocket upgrades bypass the wrappers to keep http.Hijacker.
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			s.handleWS(w, r.WithContext(ctx))

			return
		}

		handler.ServeHTTP(w, r)
	})
}

func (s *Server) buildMiddlewareChain(ctx context.Context) http.Handler {
	logger := zerolog.Ctx(ctx)

	var h http.Handler = s.mux

	c := cors.New(cors.Options{AllowOriginFunc: func(_ string) bool { return true }, AllowCredentials: true, AllowedHeaders: []string{"*"}})
	h = c.Handler(h)

	sec := secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		ReferrerPolicy:     "strict-origin-when-cross-origin",
		ContentSecurityPolicy: "default-src 'self'; img-src 'self' data:; style-src 'self' 'unsafe-inline'; " +
			"script-src 'self' 'unsafe-inline'; connect-src 'self' ws: wss:",
	})
	h = sec.Handler(h)

	h = hlog.NewHandler(*logger)(h)
	h = hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		metrics.RecordHTTP(r.Method, r.URL.Path, status)
		logger.Debug().
			Str("method", r.Method).
			Str("url", r.URL.String()).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("http")
	})(h)
	h = chimw.RequestID(h)
	h = chimw.RealIP(h)
	// Recoverer last to catch panics
	h = chimw.Recoverer(h)

	return otelhttp.NewHandler(h, "adminhttp")
}

func (s *Server) createServer(ctx context.Context, handler http.Handler) *http.Server {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		IdleTimeout:       orDefault(s.cfg.IdleTimeout, defaultIdleTimeout),
		WriteTimeout:      orDefault(s.cfg.WriteTimeout, defaultWriteTimeout),
		MaxHeaderBytes:    s.cfg.MaxHeaderBytes,
	}
	srv.BaseContext = func(_ net.Listener) context.Context { return ctx }

	go func() {
		<-ctx.Done()
		// graceful shutdown with timeout, then force close
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultShutdownTimeout)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		_ = srv.Shutdown(shutdownCtx)
		_ = srv.Close()
	}()

	return srv
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}

	return def
}
