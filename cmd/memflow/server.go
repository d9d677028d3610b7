package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/memflow/config"
	"github.com/BaSui01/memflow/engine"
	"github.com/BaSui01/memflow/types"
)

const shutdownTimeout = 10 * time.Second

// Server wires the engine to its HTTP surface: /metrics for Prometheus
// and /healthz for liveness probes.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	eng  *engine.Engine
	http *http.Server
	stop chan struct{}
}

func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{cfg: cfg, logger: logger, stop: make(chan struct{})}
}

// Start opens the engine backends and begins serving.
func (s *Server) Start() error {
	eng, err := engine.Open(*s.cfg, s.logger)
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}
	s.eng = eng

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)

	port := s.cfg.Metrics.Port
	if port == 0 {
		port = 9090
	}
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server failed", zap.Error(err))
		}
	}()

	if s.cfg.Storage.CompactionInterval > 0 {
		go s.compactLoop(s.cfg.Storage.CompactionInterval)
	}

	s.logger.Info("Server started",
		zap.Int("port", port),
		zap.Bool("metrics_enabled", s.cfg.Metrics.Enabled),
	)
	return nil
}

// WaitForShutdown blocks until SIGINT or SIGTERM, then drains the HTTP
// server and closes the engine.
func (s *Server) WaitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	s.logger.Info("Shutting down", zap.String("signal", sig.String()))
	close(s.stop)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := s.eng.Close(); err != nil {
		s.logger.Warn("engine close failed", zap.Error(err))
	}
}

// compactLoop periodically removes tombstoned and expired rows past the
// configured grace period from the durable store.
func (s *Server) compactLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			if _, err := s.eng.Compact(ctx); err != nil {
				s.logger.Warn("store compaction failed", zap.Error(err))
			}
			cancel()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := s.eng.Health(ctx)

	code := http.StatusOK
	if status.State == types.Unhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}
