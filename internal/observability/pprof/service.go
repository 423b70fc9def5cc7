// Package pprof serves net/http/pprof on an optional debug listener.
package pprof

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"strings"
	"sync"
	"time"

	logx "tickd/pkg/logx"
)

// Config controls the optional pprof HTTP listener. Binding beyond loopback
// requires a token or an explicit AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Prefix        string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	MutexProfileFraction int
	BlockProfileRate     int
	MemProfileRate       int
}

const defaultAddr = "127.0.0.1:6060"

// Service runs at most one debug server at a time. Start, Stop and
// Reconfigure are safe to call from any goroutine.
type Service struct {
	mu   sync.Mutex
	log  logx.Logger
	cfg  Config
	srv  *http.Server
	ln   net.Listener
	done chan struct{} // closed when the serve goroutine exits
}

func New(cfg Config, log logx.Logger) *Service {
	return &Service{cfg: cfg, log: log}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr reports the bound address, or "" while not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Start binds the listener and serves in the background. Idempotent; a bind
// or policy failure is logged, never fatal to the daemon.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startLocked()
}

func (s *Service) startLocked() {
	if s.srv != nil || !s.cfg.Enabled {
		return
	}
	applyProfileRates(s.cfg)

	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if !loopback(addr) && s.cfg.Token == "" {
		if !s.cfg.AllowInsecure {
			s.log.Error("pprof refused: non-loopback bind needs token or allow_insecure",
				logx.String("addr", addr))
			return
		}
		s.log.Warn("pprof serving without auth on non-loopback addr", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Error("pprof listen failed", logx.String("addr", addr), logx.Err(err))
		return
	}

	srv := &http.Server{
		Handler:      s.mux(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	done := make(chan struct{})
	s.ln, s.srv, s.done = ln, srv, done

	s.log.Info("pprof listening",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", s.cfg.Token != ""))

	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("pprof server exited", logx.Err(err))
		}
		s.mu.Lock()
		if s.srv == srv {
			s.srv, s.ln, s.done = nil, nil, nil
		}
		s.mu.Unlock()
	}()
}

// Stop shuts the server down, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, done := s.srv, s.done
	s.mu.Unlock()
	if srv == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	_ = srv.Shutdown(ctx)
	_ = srv.Close()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	s.log.Info("pprof stopped")
}

// Reconfigure applies cfg, restarting the server when the listen surface
// changed. Used by hot reload.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	serving := s.srv != nil
	s.mu.Unlock()

	applyProfileRates(cfg)

	switch {
	case !cfg.Enabled && serving:
		s.Stop(ctx)
	case cfg.Enabled && !serving:
		s.Start(ctx)
	case cfg.Enabled && serving && listenSurfaceChanged(prev, cfg):
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func listenSurfaceChanged(a, b Config) bool {
	return a.Addr != b.Addr ||
		a.Prefix != b.Prefix ||
		a.Token != b.Token ||
		a.AllowInsecure != b.AllowInsecure ||
		a.ReadTimeout != b.ReadTimeout ||
		a.WriteTimeout != b.WriteTimeout ||
		a.IdleTimeout != b.IdleTimeout
}

// Zero keeps the Go defaults; negative rates are not supported here.
func applyProfileRates(cfg Config) {
	if cfg.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
	if cfg.MemProfileRate > 0 {
		runtime.MemProfileRate = cfg.MemProfileRate
	}
}

func (s *Service) mux() http.Handler {
	prefix := s.cfg.Prefix
	if strings.TrimSpace(prefix) == "" {
		prefix = "/debug/pprof"
	}
	prefix = "/" + strings.Trim(prefix, "/")

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	// hpprof.Index expects to be rooted at /debug/pprof/; rewrite the path
	// so custom prefixes work without forking the handler.
	mux.HandleFunc(prefix+"/", func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + strings.TrimPrefix(r.URL.Path, prefix+"/")
		hpprof.Index(w, r2)
	})
	mux.HandleFunc(prefix+"/cmdline", hpprof.Cmdline)
	mux.HandleFunc(prefix+"/profile", hpprof.Profile)
	mux.HandleFunc(prefix+"/symbol", hpprof.Symbol)
	mux.HandleFunc(prefix+"/trace", hpprof.Trace)
	mux.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, prefix+"/", http.StatusPermanentRedirect)
	})

	if tok := strings.TrimSpace(s.cfg.Token); tok != "" {
		return requireToken(tok, mux)
	}
	return mux
}

// requireToken accepts "Authorization: Bearer <token>" or "?token=<token>".
func requireToken(tok string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if q := r.URL.Query().Get("token"); q != "" && q == tok {
			next.ServeHTTP(w, r)
			return
		}
		const bearer = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, bearer) &&
			strings.TrimSpace(strings.TrimPrefix(ah, bearer)) == tok {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
}

func loopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
