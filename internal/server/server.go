// Package server exposes the metrics and health endpoints over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/health"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/logging"
)

// Server provides HTTP endpoints for metrics and health checks
type Server struct {
	servers []*http.Server
	logger  *logging.Logger
}

// Config holds server configuration. When MetricsAddress and
// HealthAddress are equal both are served from one listener.
type Config struct {
	MetricsAddress  string
	MetricsPath     string
	HealthAddress   string
	LivenessPath    string
	ReadinessPath   string
	MetricsRegistry *prometheus.Registry
	HealthChecker   *health.Checker
	Logger          *logging.Logger
}

// New creates a new server
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Server{logger: logger.WithComponent("server")}

	muxes := make(map[string]*http.ServeMux)
	muxFor := func(addr string) *http.ServeMux {
		if mux, ok := muxes[addr]; ok {
			return mux
		}
		mux := http.NewServeMux()
		muxes[addr] = mux
		s.servers = append(s.servers, &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		})
		return mux
	}

	if cfg.MetricsAddress != "" && cfg.MetricsRegistry != nil {
		metricsPath := cfg.MetricsPath
		if metricsPath == "" {
			metricsPath = "/metrics"
		}

		muxFor(cfg.MetricsAddress).Handle(metricsPath, promhttp.HandlerFor(
			cfg.MetricsRegistry,
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
			},
		))
	}

	if cfg.HealthAddress != "" && cfg.HealthChecker != nil {
		livenessPath := cfg.LivenessPath
		if livenessPath == "" {
			livenessPath = "/health/live"
		}

		readinessPath := cfg.ReadinessPath
		if readinessPath == "" {
			readinessPath = "/health/ready"
		}

		mux := muxFor(cfg.HealthAddress)
		mux.HandleFunc(livenessPath, cfg.HealthChecker.LivenessHandler())
		mux.HandleFunc(readinessPath, cfg.HealthChecker.ReadinessHandler())
		mux.HandleFunc("/health", cfg.HealthChecker.HTTPHandler())
	}

	return s
}

// Handler returns the handler bound to addr, or nil
func (s *Server) Handler(addr string) http.Handler {
	for _, srv := range s.servers {
		if srv.Addr == addr {
			return srv.Handler
		}
	}
	return nil
}

// Start binds every listener and serves in the background. Bind errors
// are returned directly.
func (s *Server) Start() error {
	for _, srv := range s.servers {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", srv.Addr, err)
		}

		s.logger.Info().
			Str("address", ln.Addr().String()).
			Msg("Starting HTTP server")

		go func(srv *http.Server, ln net.Listener) {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Str("address", srv.Addr).Msg("HTTP server error")
			}
		}(srv, ln)
	}
	return nil
}

// Stop gracefully shuts down the servers
func (s *Server) Stop(ctx context.Context) error {
	var err error

	for _, srv := range s.servers {
		s.logger.Info().Str("address", srv.Addr).Msg("Shutting down HTTP server")
		if shutdownErr := srv.Shutdown(ctx); shutdownErr != nil {
			s.logger.Error().Err(shutdownErr).Msg("Error shutting down HTTP server")
			if err == nil {
				err = shutdownErr
			}
		}
	}

	return err
}
