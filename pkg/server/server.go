// Package server implements the gorelay relay and signaling server.
package server

import (
	"context"
	"net"

	"github.com/NicolasHaas/gorelay/pkg/datastore"
)

// Config holds server configuration.
type Config struct {
	ControlAddr string // TCP bind address for the control plane (e.g. ":9700")
	VoiceAddr   string // UDP bind address for the voice plane (e.g. ":9701")
	DBPath      string // SQLite database path
	GroupsFile  string // YAML file defining groups to create on startup
	MetricsAddr string // HTTP bind address for /metrics (empty = disabled)
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ControlAddr: ":9700",
		VoiceAddr:   ":9701",
		MetricsAddr: ":9702",
		DBPath:      "gorelay.db",
	}
}

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and will Close() it on shutdown.
type Dependencies struct {
	Store datastore.DataStore
}

// Server is the relay server: one TCP control plane, one UDP voice plane,
// and the shared state both route through. All shared components are
// constructed here and injected; there are no package-level registries.
type Server struct {
	cfg       Config
	store     datastore.DataStore
	registry  *ClientRegistry
	calls     *CallManager
	relay     *VoiceRelay
	metrics   *Metrics
	controlLn net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewMetrics()
	return &Server{
		cfg:      cfg,
		store:    deps.Store,
		registry: NewClientRegistry(deps.Store, m),
		calls:    NewCallManager(deps.Store),
		relay:    NewVoiceRelay(m),
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Registry returns the client registry.
func (s *Server) Registry() *ClientRegistry {
	return s.registry
}

// Calls returns the call session manager.
func (s *Server) Calls() *CallManager {
	return s.calls
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}
