// Package service exposes the metrics and health endpoints of a running build.
package service

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/ethereum-optimism/infra/op-dtest/metrics"
)

const metricsPath = "/metrics"

// Config selects whether and where the HTTP server listens.
type Config struct {
	Enabled bool
	Host    string
	Port    int
}

// Addr is the listen address of the server.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type Service struct {
	cfg    Config
	log    log.Logger
	server *http.Server
}

func New(cfg Config, logger log.Logger) *Service {
	if logger == nil {
		logger = log.New()
	}
	return &Service{cfg: cfg, log: logger.New("component", "service")}
}

// Handler serves prometheus metrics and a health check.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.Handler())
	mux.HandleFunc(healthzPath, handleHealthz)
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
	})
	return c.Handler(mux)
}

// Start serves in the background. It does nothing when the service is disabled.
func (s *Service) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}
	s.server = &http.Server{
		Addr:        s.cfg.Addr(),
		Handler:     s.Handler(),
		BaseContext: func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	server := s.server
	go func() {
		s.log.Info("starting metrics server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("error starting metrics server", "err", err)
			metrics.RecordErrorDetails("error starting metrics server", err)
		}
	}()
}

func (s *Service) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.log.Info("service shutting down")
	err := s.server.Shutdown(ctx)
	s.server = nil
	return err
}
