package duelyard

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/yardworks/duelyard/duelyard/broker"
	"github.com/yardworks/duelyard/duelyard/state"
	"github.com/yardworks/duelyard/duelyard/stream"
)

// Deps bundles the external collaborators the core talks to through their
// contracts.
type Deps struct {
	Decks       DeckStore
	Logs        LogStore
	Ratings     RatingEngine
	RatingStore RatingStore
}

// Server wires the core services around a single state store, task broker
// and progress bus.
type Server struct {
	config *Config
	logger hclog.Logger

	State    *state.StateStore
	Tasks    *broker.TaskBroker
	Progress *stream.EventBroker

	Scheduler    *Scheduler
	Reporter     *SimReporter
	Aggregator   *Aggregator
	Recovery     *RecoveryService
	Cancellation *CancellationService
	Registry     *WorkerRegistry

	Logs LogStore

	pool    *taskPool
	persist *state.BoltPersister

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
}

// NewServer builds and starts the core. When config.StatePath is set the
// state store runs on the durable bbolt backend and is restored from it;
// otherwise everything is in-memory.
func NewServer(config *Config, deps Deps) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())

	var persist *state.BoltPersister
	var persister state.Persister
	if config.StatePath != "" {
		var err error
		persist, err = state.NewBoltPersister(config.StatePath)
		if err != nil {
			shutdownCancel()
			return nil, fmt.Errorf("failed to open durable state: %w", err)
		}
		persister = persist
	}

	store, err := state.NewStateStore(&state.StateStoreConfig{
		Logger:    logger,
		Persister: persister,
	})
	if err != nil {
		if persist != nil {
			persist.Close()
		}
		shutdownCancel()
		return nil, err
	}

	tasks := broker.NewTaskBroker(config.TaskNackTimeout, config.MaxRetries+1)
	tasks.SetEnabled(true)

	progress := stream.NewEventBroker(shutdownCtx, stream.EventBrokerCfg{
		EventBufferSize: config.EventBufferSize,
		Logger:          logger,
	})

	pool := newTaskPool(shutdownCtx, config.BackgroundWorkers, logger)
	limiter := newSimRateLimiter(shutdownCtx, config.SimBudgetPerMinute)

	aggregator := NewAggregator(logger, config, store, progress,
		deps.Logs, deps.Ratings, deps.RatingStore, pool)
	recovery := NewRecoveryService(logger, config, store, tasks, progress, aggregator, pool)
	scheduler := NewScheduler(logger, config, store, tasks, progress,
		deps.Decks, limiter, recovery, aggregator)
	reporter := NewSimReporter(logger, config, store, progress, aggregator)
	registry := NewWorkerRegistry(logger, config, store)
	cancellation := NewCancellationService(logger, config, store, tasks, progress,
		registry, aggregator, recovery, pool)

	s := &Server{
		config:         config,
		logger:         logger.Named("core"),
		State:          store,
		Tasks:          tasks,
		Progress:       progress,
		Scheduler:      scheduler,
		Reporter:       reporter,
		Aggregator:     aggregator,
		Recovery:       recovery,
		Cancellation:   cancellation,
		Registry:       registry,
		Logs:           deps.Logs,
		pool:           pool,
		persist:        persist,
		shutdownCtx:    shutdownCtx,
		shutdownCancel: shutdownCancel,
	}

	// Jobs that were in flight across a restart get their recovery
	// checks re-armed; the checks republish whatever the broker lost.
	if err := recovery.RescheduleActive(); err != nil {
		s.logger.Error("failed to re-arm recovery checks", "error", err)
	}

	return s, nil
}

// Config exposes the server configuration to the HTTP layer.
func (s *Server) Config() *Config {
	return s.config
}

// ShutdownCtx is canceled when the server shuts down.
func (s *Server) ShutdownCtx() context.Context {
	return s.shutdownCtx
}

// Shutdown stops timers, drains background work and closes the durable
// backend.
func (s *Server) Shutdown() {
	s.logger.Info("shutting down")
	s.Recovery.Stop()
	s.Tasks.SetEnabled(false)
	s.shutdownCancel()
	s.pool.Wait()
	if s.persist != nil {
		if err := s.persist.Close(); err != nil {
			s.logger.Error("failed to close durable state", "error", err)
		}
	}
}
