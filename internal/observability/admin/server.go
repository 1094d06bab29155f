// Package admin serves the master's operational endpoints: liveness,
// Prometheus metrics, the worker table, the cron table and pprof.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	rtsup "jobcluster/internal/runtime/supervisor"
	logx "jobcluster/pkg/logx"
)

const DefaultAddr = "127.0.0.1:6060"

// Config controls the admin server. A non-loopback Addr needs a Token or
// AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Sources supply the data of the JSON endpoints. Nil fields serve 404.
type Sources struct {
	Gatherer prometheus.Gatherer
	Workers  func() any
	Cron     func() any
}

type Server struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config
	src Sources

	addr string
	sup  *rtsup.Supervisor
}

func New(cfg Config, src Sources, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, src: src, log: log.With(logx.String("comp", "admin"))}
}

// Addr is the bound listen address once serving, empty otherwise.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Reconfigure applies cfg, restarting the listener when it changed.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		s.Stop(ctx)
	case !running:
		s.Start(ctx)
	case prev != cfg:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start serves under a restarting supervisor until Stop or ctx is done.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	sup := rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.sup = sup
	s.mu.Unlock()

	sup.GoRestart("http.serve", s.serveOnce,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	_ = sup.Stop(ctx)
	s.log.Info("admin stopped")
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if !isLoopbackAddr(addr) && cfg.Token == "" {
		if !cfg.AllowInsecure {
			s.log.Error("admin refused to start: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
			return errors.New("admin: insecure bind")
		}
		s.log.Warn("admin running without token on non-loopback addr", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	srv := &http.Server{
		Handler:      s.Handler(cfg.Token),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
	}()

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	s.log.Info("admin started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cfg.Token != ""))

	err = srv.Serve(ln)

	s.mu.Lock()
	s.addr = ""
	s.mu.Unlock()
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("admin server exited unexpectedly")
	}
	return err
}

// Handler builds the router. /healthz stays open; everything else requires
// token when set.
func (s *Server) Handler(token string) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(authMiddleware(token))
	if s.src.Gatherer != nil {
		api.Handle("/metrics", promhttp.HandlerFor(s.src.Gatherer, promhttp.HandlerOpts{}))
	}
	if s.src.Workers != nil {
		api.HandleFunc("/workers", jsonHandler(s.src.Workers)).Methods(http.MethodGet)
	}
	if s.src.Cron != nil {
		api.HandleFunc("/cron", jsonHandler(s.src.Cron)).Methods(http.MethodGet)
	}
	api.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
	api.HandleFunc("/debug/pprof/profile", hpprof.Profile)
	api.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
	api.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	api.PathPrefix("/debug/pprof/").HandlerFunc(hpprof.Index)
	return r
}

func jsonHandler(fn func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(fn())
	}
}

// authMiddleware accepts "Authorization: Bearer <token>" or ?token=<token>.
func authMiddleware(token string) mux.MiddlewareFunc {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				if ah, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
					got = strings.TrimSpace(ah)
				}
			}
			if got != tok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
