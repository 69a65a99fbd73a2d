// Package health serves the status endpoint of the fleet: a liveness line,
// the JSON snapshot of worker gauges and logins, Prometheus metrics and,
// optionally, pprof.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	rtsup "rotabot/internal/runtime/supervisor"
	"rotabot/internal/state"
	logx "rotabot/pkg/logx"
)

type Config struct {
	// Addr is the listen address; ":10000" by default.
	Addr  string
	Pprof bool

	ReadTimeout time.Duration
	IdleTimeout time.Duration
}

// AddrForPort returns the listen address for port on all interfaces.
func AddrForPort(port int) string { return ":" + strconv.Itoa(port) }

// Sources are the read-only views the endpoint reports.
type Sources struct {
	State      interface{ Snapshot() state.Snapshot }
	Supervisor interface{ Snapshot() rtsup.Snapshot }
	Metrics    http.Handler
}

// Report is the /health payload.
type Report struct {
	state.Health
	Workers []rtsup.GoroutineStats `json:"workers,omitempty"`
}

type Service struct {
	cfg Config
	src Sources
	log logx.Logger

	mu   sync.Mutex
	addr string
}

func New(cfg Config, src Sources, log logx.Logger) *Service {
	if cfg.Addr == "" {
		cfg.Addr = AddrForPort(10000)
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, src: src, log: log}
}

// Handler builds the router.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("Bot is running\n"))
	})
	r.Get("/health", s.handleHealth)
	if s.src.Metrics != nil {
		r.Handle("/metrics", s.src.Metrics)
	}
	if s.cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

// Report builds the current /health payload.
func (s *Service) Report() Report {
	var rep Report
	if s.src.State != nil {
		rep.Health = s.src.State.Snapshot().Health()
	} else {
		rep.Health = state.Snapshot{}.Health()
	}
	if s.src.Supervisor != nil {
		rep.Workers = s.src.Supervisor.Snapshot().Goroutines
	}
	return rep
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Report()); err != nil {
		s.log.Warn("health encode failed", logx.Err(err))
	}
}

func (s *Service) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		)
	})
}

// Start runs the server under sup so it comes back after a crash.
func (s *Service) Start(sup *rtsup.Supervisor) {
	sup.GoRestart("health.http", s.serveOnce,
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

// Addr is the bound address, or "" while not listening.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Service) serveOnce(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		s.log.Error("health listen failed", logx.String("addr", s.cfg.Addr), logx.Err(err))
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       s.cfg.IdleTimeout,
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.addr = ""
		s.mu.Unlock()
	}()

	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()

	s.log.Info("health server started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("health server exited unexpectedly")
	}
	return err
}
