// Package server hosts the WebSocket endpoint and its operational surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/quotelab/ratefeed/internal/config"
	"github.com/quotelab/ratefeed/internal/limits"
	"github.com/quotelab/ratefeed/internal/logging"
	"github.com/quotelab/ratefeed/internal/metrics"
	"github.com/quotelab/ratefeed/internal/notify"
	"github.com/quotelab/ratefeed/internal/rates"
	"github.com/quotelab/ratefeed/internal/rpc"
)

const (
	httpReadTimeout = 10 * time.Second
	monitorInterval = 5 * time.Second
	drainGrace      = 30 * time.Second
)

// Server accepts WebSocket clients and runs one dispatcher per connection.
type Server struct {
	cfg      *config.Config
	store    rates.Store
	notifier notify.Notifier
	guard    *limits.Guard
	logger   zerolog.Logger

	listener net.Listener
	httpSrv  *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	conns        sync.Map // *rpc.Conn -> struct{}
	shuttingDown atomic.Bool
	startTime    time.Time
}

// New wires the server from its collaborators.
func New(cfg *config.Config, store rates.Store, notifier notify.Notifier, logger zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	guard := limits.NewGuard(limits.GuardConfig{
		MaxConnections:     cfg.MaxConnections,
		IPBurst:            cfg.ConnRateIPBurst,
		IPRate:             cfg.ConnRateIPPerSec,
		GlobalBurst:        cfg.ConnRateGlobal,
		GlobalRate:         cfg.ConnRatePerSec,
		CPURejectThreshold: cfg.CPURejectThreshold,
	}, logger)

	return &Server{
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		guard:    guard,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins listening and serving. Non-blocking; Shutdown stops it.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener
	s.startTime = time.Now()

	s.guard.StartMonitoring(s.ctx, monitorInterval)

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpSrv = &http.Server{
		Handler:     mux,
		ReadTimeout: httpReadTimeout,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Server accept loop error")
		}
	}()

	s.logger.Info().
		Str("address", s.cfg.Addr()).
		Int("max_connections", s.cfg.MaxConnections).
		Msg("Server listening")
	return nil
}

// Shutdown stops accepting connections, drains the active ones and waits
// for every goroutine to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Initiating graceful shutdown")
	s.shuttingDown.Store(true)

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, drainGrace)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("HTTP shutdown did not complete cleanly")
		}
	}

	// Close remaining client connections; each handler finishes its own
	// teardown.
	s.conns.Range(func(key, _ any) bool {
		key.(*rpc.Conn).CloseTransport()
		return true
	})

	s.cancel()
	s.wg.Wait()
	s.logger.Info().Msg("Graceful shutdown completed")
	return nil
}

// handleWebSocket admits, upgrades and serves one client connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if s.shuttingDown.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	clientIP := getClientIP(r)
	release, reason, ok := s.guard.Admit(clientIP)
	if !ok {
		metrics.ConnectionsRejected.WithLabelValues(reason).Inc()
		s.logger.Warn().
			Str("client_ip", clientIP).
			Str("reason", reason).
			Msg("Connection rejected")
		status := http.StatusServiceUnavailable
		if reason == limits.ReasonRateLimited {
			status = http.StatusTooManyRequests
		}
		http.Error(w, "Connection rejected", status)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		release()
		s.logger.Error().
			Err(err).
			Str("client_ip", clientIP).
			Msg("WebSocket upgrade failed")
		return
	}

	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsCurrent.Inc()
	s.logger.Info().
		Str("client_ip", clientIP).
		Int("current_connections", s.guard.CurrentConnections()).
		Msg("Client connected")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer release()
		defer metrics.ConnectionsCurrent.Dec()
		defer logging.RecoverPanic(s.logger, "connection-handler")
		s.serveConnection(conn, clientIP)
	}()
}

// serveConnection runs the per-connection dispatcher until disconnect.
func (s *Server) serveConnection(netConn net.Conn, clientIP string) {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	conn := rpc.NewConn(rpc.NewWSTransport(netConn), s.logger)
	session := rpc.NewSession(s.store, s.notifier, s.logger)
	dispatcher := rpc.NewDispatcher(conn, session, s.logger)

	s.conns.Store(conn, struct{}{})
	defer s.conns.Delete(conn)

	err := dispatcher.Run(ctx)
	conn.Disconnect()

	if err != nil && !errors.Is(err, rpc.ErrTransportClosed) && !errors.Is(err, context.Canceled) {
		s.logger.Error().Err(err).Str("client_ip", clientIP).Msg("Connection ended with error")
		return
	}
	s.logger.Info().Str("client_ip", clientIP).Msg("Client disconnected")
}

type healthStatus struct {
	Status      string  `json:"status"`
	Connections int     `json:"connections"`
	UptimeSec   int64   `json:"uptime_sec"`
	CPUPercent  float64 `json:"cpu_percent"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := healthStatus{
		Status:      "healthy",
		Connections: s.guard.CurrentConnections(),
		UptimeSec:   int64(time.Since(s.startTime).Seconds()),
		CPUPercent:  s.guard.CPUPercent(),
	}
	if s.shuttingDown.Load() {
		status.Status = "shutting_down"
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// getClientIP extracts the client IP, honoring X-Forwarded-For when a load
// balancer sits in front.
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
