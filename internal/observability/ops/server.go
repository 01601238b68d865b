// Package ops serves the bridge's operational endpoints: /healthz, /metrics
// and, optionally, /debug/pprof.
package ops

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	rtsup "campbridge/internal/runtime/supervisor"
	logx "campbridge/pkg/logx"
)

// Config controls the ops HTTP server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
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

// Health is the /healthz payload. OK=false answers 503.
type Health struct {
	OK          bool               `json:"ok"`
	Cursor      string             `json:"cursor,omitempty"`
	Saved       string             `json:"saved_cursor,omitempty"`
	Backoff     string             `json:"backoff,omitempty"`
	LastPoll    time.Time          `json:"last_poll,omitzero"`
	LastSuccess time.Time          `json:"last_success,omitzero"`
	Tasks       []rtsup.TaskStatus `json:"tasks,omitempty"`
	Reason      string             `json:"reason,omitempty"`
}

type HealthFunc func() Health

type Server struct {
	mu     sync.Mutex
	log    logx.Logger
	cfg    Config
	gather prometheus.Gatherer
	health HealthFunc

	ln  net.Listener
	srv *http.Server
	sup *rtsup.Supervisor
}

func New(cfg Config, log logx.Logger, gather prometheus.Gatherer, health HealthFunc) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if gather == nil {
		gather = prometheus.DefaultGatherer
	}
	if health == nil {
		health = func() Health { return Health{OK: true} }
	}
	return &Server{cfg: cfg, log: log.With(logx.String("comp", "ops")), gather: gather, health: health}
}

// Addr is the bound listener address, or "" when stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Reconfigure applies cfg, starting, stopping or restarting the listener
// as needed. Safe to call during hot reload.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			return s.Stop(ctx)
		}
		return nil
	case !running:
		return s.Start(ctx)
	case prev != cfg:
		if err := s.Stop(ctx); err != nil {
			return err
		}
		return s.Start(ctx)
	}
	return nil
}

// Start binds the listener and serves until Stop or ctx cancellation.
// It is a no-op when disabled or already running.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return nil
	}
	cfg := s.cfg

	host, _, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		return fmt.Errorf("ops: addr %q: %w", cfg.Addr, err)
	}
	if cfg.Token == "" && !isLoopback(host) {
		if !cfg.AllowInsecure {
			return errors.New("ops: non-loopback addr requires token or allow_insecure")
		}
		s.log.Warn("ops server running without token on non-loopback addr", logx.String("addr", cfg.Addr))
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("ops: listen %s: %w", cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:           s.handler(cfg),
		ReadHeaderTimeout: cfg.ReadTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	sup := rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup.Go("ops.serve", func(c context.Context) error {
		errCh := make(chan error, 1)
		go func() { errCh <- srv.Serve(ln) }()
		select {
		case <-c.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = srv.Shutdown(shutdownCtx)
			cancel()
			<-errCh
			return nil
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}
	})
	s.ln, s.srv, s.sup = ln, srv, sup
	s.log.Info("ops server started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", cfg.Token != ""),
		logx.Bool("pprof", cfg.Pprof),
	)
	return nil
}

// Stop shuts the server down, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup, s.srv, s.ln = nil, nil, nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	s.log.Info("ops server stopped")
	return err
}

func (s *Server) handler(cfg Config) http.Handler {
	wrap := func(h http.Handler) http.Handler { return withAuth(cfg.Token, h) }
	mux := http.NewServeMux()
	mux.Handle("/healthz", wrap(http.HandlerFunc(s.serveHealth)))
	mux.Handle("/metrics", wrap(promhttp.HandlerFor(s.gather, promhttp.HandlerOpts{})))
	if cfg.Pprof {
		mux.Handle("/debug/pprof/", wrap(http.HandlerFunc(hpprof.Index)))
		mux.Handle("/debug/pprof/cmdline", wrap(http.HandlerFunc(hpprof.Cmdline)))
		mux.Handle("/debug/pprof/profile", wrap(http.HandlerFunc(hpprof.Profile)))
		mux.Handle("/debug/pprof/symbol", wrap(http.HandlerFunc(hpprof.Symbol)))
		mux.Handle("/debug/pprof/trace", wrap(http.HandlerFunc(hpprof.Trace)))
	}
	return mux
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	h := s.health()
	w.Header().Set("Content-Type", "application/json")
	if !h.OK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(h)
}

// withAuth accepts "Authorization: Bearer <token>" or "?token=<token>".
func withAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
				got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
			}
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func isLoopback(host string) bool {
	host = strings.Trim(strings.TrimSpace(host), "[]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
