// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// Server exposes the daemon's liveness, readiness, and counter state
// over HTTP.
type Server struct {
	stats   *Stats
	logger  *zap.Logger
	version string
	addr    string

	ready   atomic.Bool
	httpSrv *http.Server
}

// NewServer creates a health server bound to addr.
func NewServer(addr, version string, stats *Stats, logger *zap.Logger) *Server {
	s := &Server{
		stats:   stats,
		logger:  logger,
		version: version,
		addr:    addr,
	}
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return mux
}

// SetReady flips the readiness probe. The daemon sets it once the
// first specialization cycle can run and clears it on shutdown.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("health server error", zap.Error(err))
		}
	}()
	s.logger.Info("health server started", zap.String("addr", s.addr))
	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop() error {
	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	PID     int    `json:"pid"`
	Uptime  string `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:  "healthy",
		Version: s.version,
		PID:     os.Getpid(),
		Uptime:  s.stats.Uptime().Truncate(time.Second).String(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	code, status := http.StatusOK, "ready"
	if !s.ready.Load() {
		code, status = http.StatusServiceUnavailable, "not_ready"
	}
	s.writeJSON(w, code, map[string]string{"status": status})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.Write([]byte(s.stats.PrometheusMetrics()))
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("health response write failed", zap.Error(err))
	}
}
