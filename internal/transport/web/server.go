// Package web is the host's HTTP surface: event injection, window connections
// over websocket, notification inspection and metrics.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"pushworker/internal/host"
	"pushworker/internal/notifications"
	rtsup "pushworker/internal/runtime/supervisor"
	"pushworker/internal/worker"
	logx "pushworker/pkg/logx"
)

const maxBodyBytes = 1 << 20

type Config struct {
	Addr         string
	RatePerSec   float64
	Burst        int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	PingInterval time.Duration
	Pprof        bool
}

// Injector accepts events for the worker; see host.Host.
type Injector interface {
	Deliver(ev worker.Event) (<-chan error, error)
	Dispatch(ctx context.Context, ev worker.Event) error
}

// Notifications is the read side of the notification center.
type Notifications interface {
	List() []*notifications.Notification
	Get(tag string) (*notifications.Notification, error)
}

// RequestObserver records per-route request metrics.
type RequestObserver interface {
	ObserveHTTP(route, method string, status int, took time.Duration)
}

type Deps struct {
	Injector      Injector
	Notifications Notifications
	Windows       *Windows
	Metrics       http.Handler
	Observer      RequestObserver
	// Health adds detail to /healthz; nil serves a bare status.
	Health func() any
}

type Service struct {
	deps     Deps
	log      logx.Logger
	limiter  *rate.Limiter
	upgrader websocket.Upgrader

	mu       sync.Mutex
	cfg      Config
	srv      *http.Server
	addr     string
	sup      *rtsup.Supervisor
	baseCtx  context.Context
	stopDone chan struct{}
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	s := &Service{
		deps:    deps,
		log:     log,
		cfg:     cfg,
		limiter: rate.NewLimiter(limitOf(cfg.RatePerSec), burstOf(cfg.Burst)),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		baseCtx: context.Background(),
	}
	if deps.Windows != nil && deps.Injector != nil {
		deps.Windows.SetInbox(func(data json.RawMessage) {
			if _, err := deps.Injector.Deliver(worker.MessageEvent{Data: data}); err != nil {
				log.Warn("window message rejected", logx.Err(err))
			}
		})
	}
	return s
}

func limitOf(perSec float64) rate.Limit {
	if perSec <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSec)
}

func burstOf(b int) int {
	if b <= 0 {
		return 1
	}
	return b
}

// ApplyLimits changes the injection rate limit in place.
func (s *Service) ApplyLimits(perSec float64, burst int) {
	s.limiter.SetLimit(limitOf(perSec))
	s.limiter.SetBurst(burstOf(burst))
	s.mu.Lock()
	s.cfg.RatePerSec, s.cfg.Burst = perSec, burst
	s.mu.Unlock()
	s.log.Info("http rate limit applied", logx.Any("rate_per_sec", perSec), logx.Int("burst", burst))
}

// Addr returns the bound listen address once the server is up.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Handler builds the router.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	s.mu.Lock()
	pprof := s.cfg.Pprof
	s.mu.Unlock()

	r.Get("/healthz", s.handleHealth)
	if pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.limit)
		r.Post("/push", s.handlePush)
		r.Post("/message", s.handleMessage)
		r.Post("/notifications/{tag}/click", s.handleClick)
	})

	r.Get("/notifications", s.handleNotifications)
	r.Get("/clients", s.handleClients)
	r.Get("/clients/ws", s.handleWindow)
	return r
}

func (s *Service) observe(next http.Handler) http.Handler {
	if s.deps.Observer == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		s.deps.Observer.ObserveHTTP(route, r.Method, ww.Status(), time.Since(start))
	})
}

func (s *Service) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handlePush injects a push event. The raw body is the payload; an empty body
// means the push carried none. With ?wait=1 the response reports the task result.
func (s *Service) handlePush(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	ev := worker.PushEvent{}
	if len(strings.TrimSpace(string(body))) > 0 {
		ev.Payload = body
	}
	s.inject(w, r, ev)
}

func (s *Service) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, errors.New("body must be JSON"))
		return
	}
	s.inject(w, r, worker.MessageEvent{Data: body})
}

func (s *Service) handleClick(w http.ResponseWriter, r *http.Request) {
	tag, err := url.PathUnescape(chi.URLParam(r, "tag"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	n, err := s.deps.Notifications.Get(tag)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	s.inject(w, r, worker.NotificationClickEvent{Notification: n})
}

func (s *Service) inject(w http.ResponseWriter, r *http.Request, ev worker.Event) {
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		if err := s.deps.Injector.Dispatch(r.Context(), ev); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "settled", "kind": string(ev.Kind())})
		return
	}
	if _, err := s.deps.Injector.Deliver(ev); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "kind": string(ev.Kind())})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, host.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, host.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.deps.Health != nil {
		body["detail"] = s.deps.Health()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Service) handleNotifications(w http.ResponseWriter, _ *http.Request) {
	list := s.deps.Notifications.List()
	out := make([]notifications.View, 0, len(list))
	for _, n := range list {
		out = append(out, n.View())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleClients(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Windows.Views())
}

func (s *Service) handleWindow(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", logx.Err(err))
		return
	}
	s.mu.Lock()
	ctx := s.baseCtx
	ping := s.cfg.PingInterval
	s.mu.Unlock()
	if err := s.deps.Windows.serve(ctx, conn, ping); err != nil {
		s.log.Debug("window connection rejected", logx.Err(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Start runs the server under a restart loop. Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.baseCtx = s.sup.Context()
	s.sup.GoRestart("http.serve", s.serveOnce,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

// Stop shuts the server down and disconnects windows.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	srv := s.srv
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	// Cancel first so serveOnce reads the shutdown as a clean stop.
	sup.Cancel()
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	s.log.Info("http stopped")
	return nil
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = "127.0.0.1:8088"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.srv = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("http started", logx.String("addr", ln.Addr().String()))
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
	}
	s.mu.Unlock()

	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}
