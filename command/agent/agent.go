package agent

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/yardworks/duelyard/duelyard"
)

// Agent owns the scheduling core and the HTTP server in front of it.
type Agent struct {
	config *Config
	logger hclog.InterceptLogger

	server *duelyard.Server

	inmemSink *metrics.InmemSink
}

// NewAgent builds the core with the given external collaborators and wires
// telemetry. The HTTP server is started separately so tests can drive the
// agent without a listener.
func NewAgent(config *Config, logger hclog.InterceptLogger, deps duelyard.Deps) (*Agent, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	a := &Agent{
		config: config,
		logger: logger,
	}
	if err := a.setupTelemetry(); err != nil {
		return nil, err
	}

	coreConfig := config.Core
	if coreConfig == nil {
		coreConfig = duelyard.DefaultConfig()
	}
	coreConfig.Logger = logger

	server, err := duelyard.NewServer(coreConfig, deps)
	if err != nil {
		return nil, fmt.Errorf("failed to start core: %w", err)
	}
	a.server = server
	return a, nil
}

// setupTelemetry keeps ten minutes of metrics in memory for the /v1/metrics
// endpoint.
func (a *Agent) setupTelemetry() error {
	a.inmemSink = metrics.NewInmemSink(10*time.Second, 10*time.Minute)

	metricsConf := metrics.DefaultConfig("duelyard")
	metricsConf.EnableHostname = false
	if _, err := metrics.NewGlobal(metricsConf, a.inmemSink); err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	return nil
}

// Server exposes the core to the HTTP handlers.
func (a *Agent) Server() *duelyard.Server {
	return a.server
}

// Shutdown stops the core.
func (a *Agent) Shutdown() {
	a.logger.Info("requesting shutdown")
	a.server.Shutdown()
	a.logger.Info("shutdown complete")
}
