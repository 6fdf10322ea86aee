// Package http serves operational endpoints while an extraction runs.
package http

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// WatermarkReader reports the persisted watermark of every resource.
type WatermarkReader interface {
	Watermarks(ctx context.Context) (map[string]string, error)
}

// Server exposes /metrics, /status and /watermarks.
type Server struct {
	addr       string
	watermarks WatermarkReader
	logger     *zap.Logger
	server     http.Server

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	done     chan struct{}
}

// NewServer creates a server for addr. gatherer defaults to the Prometheus
// default registry; watermarks may be nil.
func NewServer(addr string, gatherer prometheus.Gatherer, watermarks WatermarkReader, logger *zap.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		addr:       addr,
		watermarks: watermarks,
		logger:     logger.With(zap.String("component", "http_server")),
		done:       make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("GET /watermarks", s.handleWatermarks)

	s.server = http.Server{
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

// Start binds the address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("server starting", zap.String("addr", ln.Addr().String()))
	go func() {
		defer close(s.done)
		err := s.server.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) && s.isClosed() {
			s.logger.Info("server stopped")
			return
		}
		s.logger.Error("server stopped unexpectedly", zap.Error(err))
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Shutdown stops the server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	s.closed = true
	started := s.listener != nil
	s.mu.Unlock()
	if !started {
		return nil
	}

	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	select {
	case <-s.done:
	case <-ctx.Done():
	}
	return nil
}

func (s *Server) handleWatermarks(w http.ResponseWriter, r *http.Request) {
	if s.watermarks == nil {
		http.Error(w, "watermarks not available", http.StatusServiceUnavailable)
		return
	}

	marks, err := s.watermarks.Watermarks(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(marks); err != nil {
		s.logger.Error("failed to encode watermarks response", zap.Error(err))
	}
}
