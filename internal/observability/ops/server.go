// Package ops runs the operational HTTP server: health, Prometheus metrics
// and optional pprof endpoints.
package ops

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	rtsup "recurd/internal/runtime/supervisor"
	logx "recurd/pkg/logx"
	"strings"
	"sync"
	"time"
)

// Config controls the server. A non-loopback Addr needs a Token unless
// AllowInsecure is set.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

const defaultAddr = "127.0.0.1:9090"

// HealthFunc reports component health; a non-nil error makes /healthz
// answer 503.
type HealthFunc func(ctx context.Context) (map[string]any, error)

type Service struct {
	log     logx.Logger
	metrics http.Handler
	health  HealthFunc

	mu  sync.Mutex
	cfg Config
	cur *instance
}

// instance is one started server. Stop discards it; Start makes a new one.
type instance struct {
	sup *rtsup.Supervisor

	mu   sync.Mutex
	addr string
}

func (in *instance) setAddr(a string) {
	in.mu.Lock()
	in.addr = a
	in.mu.Unlock()
}

func New(cfg Config, metrics http.Handler, health HealthFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, metrics: metrics, health: health, log: log}
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) Enabled() bool { return s.config().Enabled }

// Addr is the bound listen address while the server runs.
func (s *Service) Addr() string {
	s.mu.Lock()
	in := s.cur
	s.mu.Unlock()
	if in == nil {
		return ""
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.addr
}

func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil
	}
	return s.cur.sup
}

// Reconfigure applies cfg, starting, stopping or restarting the server.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	changed := s.cfg != cfg
	running := s.cur != nil
	s.cfg = cfg
	s.mu.Unlock()

	if running && (changed || !cfg.Enabled) {
		s.Stop(ctx)
	}
	if cfg.Enabled {
		s.Start(ctx)
	}
}

// Start serves in a restartable goroutine unless disabled or running.
// A failing server is retried and never takes the app down.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cur != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	in := &instance{sup: rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))}
	s.cur = in
	s.mu.Unlock()

	in.sup.GoRestart("ops.serve", func(c context.Context) error { return s.serve(c, in) },
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

// Stop shuts the server down and waits for it, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	in := s.cur
	s.cur = nil
	s.mu.Unlock()
	if in == nil {
		return
	}
	in.sup.Cancel()
	if err := in.sup.Wait(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("ops server stop timed out", logx.Err(err))
		return
	}
	s.log.Info("ops server stopped")
}

// serve runs one listener until ctx ends. It returns context.Canceled on
// shutdown so the supervisor does not restart it.
func (s *Service) serve(ctx context.Context, in *instance) error {
	cfg := s.config()
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if cfg.Token == "" && !isLoopbackAddr(addr) {
		if !cfg.AllowInsecure {
			return fmt.Errorf("ops server refused insecure bind on %s: set a token or allow_insecure", addr)
		}
		s.log.Warn("ops server without token on a non-loopback address", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:      s.mux(cfg),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	in.setAddr(ln.Addr().String())
	defer in.setAddr("")

	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()

	s.log.Info("ops server started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", cfg.Token != ""),
		logx.Bool("pprof", cfg.Pprof),
	)
	err = srv.Serve(ln)
	switch {
	case ctx.Err() != nil:
		return context.Canceled
	case err == nil, errors.Is(err, http.ErrServerClosed):
		return errors.New("ops server closed unexpectedly")
	default:
		return err
	}
}
