package devcollector

import (
	"github.com/illmade-knight/go-analytics/pkg/microservice"
	"github.com/rs/zerolog"
)

// Server runs a Collector behind the shared base server.
type Server struct {
	*microservice.BaseServer
	Collector *Collector
}

// NewServer creates a Server listening on cfg.HTTPPort once started.
func NewServer(cfg Config, logger zerolog.Logger) (*Server, error) {
	collector, err := New(cfg, logger)
	if err != nil {
		return nil, err
	}
	base := microservice.NewBaseServer(logger, cfg.HTTPPort)
	collector.Routes(base.Router())
	return &Server{BaseServer: base, Collector: collector}, nil
}
