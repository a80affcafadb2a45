// Package rpc exposes the key-server contract as JSON-RPC 2.0 over HTTP and
// provides the matching client.
package rpc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"secure-comm/go-backend/internal/platform/metrics"
	"secure-comm/go-backend/internal/platform/ratelimiter"
	"secure-comm/go-backend/internal/transport"
)

const (
	DefaultRPCAddr = "127.0.0.1:8787"

	tokenHeader = "X-SecureComm-Token"
	userHeader  = "X-SecureComm-User"
)

// Backend resolves the key-server view of one user.
type Backend func(username string) transport.Server

type ServerOptions struct {
	Addr         string
	Token        string
	RequireToken bool
	RPS          float64
	Burst        int
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

type Server struct {
	httpServer *http.Server
	backend    Backend
	token      string
	limiter    *ratelimiter.Limiter
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

func NewServer(opts ServerOptions, backend Backend) (*Server, error) {
	if backend == nil {
		return nil, errors.New("rpc backend is required")
	}
	opts.Token = strings.TrimSpace(opts.Token)
	if opts.RequireToken && opts.Token == "" {
		return nil, errors.New("rpc token is required")
	}
	if opts.Addr == "" {
		opts.Addr = DefaultRPCAddr
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	mux := http.NewServeMux()
	s := &Server{
		httpServer: &http.Server{
			Addr:              opts.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		backend: backend,
		token:   opts.Token,
		limiter: ratelimiter.New(opts.RPS, opts.Burst, 10*time.Minute),
		logger:  opts.Logger.With("component", "rpc"),
		metrics: opts.Metrics,
	}
	if s.token == "" {
		s.logger.Warn("rpc token is not set; RPC auth disabled")
	}
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/rpc", s.handleRPC)
	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics.Handler())
	}
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()
	s.logger.Info("rpc server listening", "addr", s.httpServer.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) authorizeRPC(w http.ResponseWriter, r *http.Request) bool {
	if s.token == "" {
		return true
	}
	if subtle.ConstantTimeCompare([]byte(extractToken(r)), []byte(s.token)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func extractToken(r *http.Request) string {
	if token := strings.TrimSpace(r.Header.Get(tokenHeader)); token != "" {
		return token
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):])
	}
	return ""
}

// clientKey buckets requests by remote host and claimed user.
func clientKey(r *http.Request, user string) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil || host == "" {
		host = "unknown"
	}
	return host + "|" + user
}
