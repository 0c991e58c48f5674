package duelyard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-set/v3"

	"github.com/yardworks/duelyard/duelyard/state"
	"github.com/yardworks/duelyard/duelyard/stream"

	"github.com/yardworks/duelyard/duelyard/structs"
)

// Aggregator folds a finished job's game outcomes into the rating model and
// stamps the job terminal. It runs at most once at a time per job within
// this process; across processes the rating store's HasResultsForJob check
// keeps re-entry cheap and harmless.
type Aggregator struct {
	logger   hclog.Logger
	config   *Config
	state    *state.StateStore
	progress *stream.EventBroker

	logs        LogStore
	ratings     RatingEngine
	ratingStore RatingStore

	pool *taskPool

	// inflight is the process-local dedup guard. go-set is not safe for
	// concurrent use, so all access goes through its own lock inside
	// acquire/release.
	inflight *lockedSet
}

func NewAggregator(logger hclog.Logger, config *Config, store *state.StateStore,
	progress *stream.EventBroker, logs LogStore, ratings RatingEngine,
	ratingStore RatingStore, pool *taskPool) *Aggregator {

	return &Aggregator{
		logger:      logger.Named("aggregator"),
		config:      config,
		state:       store,
		progress:    progress,
		logs:        logs,
		ratings:     ratings,
		ratingStore: ratingStore,
		pool:        pool,
		inflight:    newLockedSet(),
	}
}

// Dispatch launches an aggregation run in the background, at most one per
// job at a time. Returns false when a run is already in flight.
func (a *Aggregator) Dispatch(jobID string) bool {
	if !a.inflight.acquire(jobID) {
		metrics.IncrCounter([]string{"duelyard", "aggregator", "dedup"}, 1)
		return false
	}

	a.pool.Submit("aggregate/"+jobID, a.config.AggregationTimeout, func(ctx context.Context) error {
		defer a.inflight.release(jobID)
		return a.run(ctx, jobID)
	})
	return true
}

// RunNow aggregates synchronously, still honoring the in-flight guard. Used
// by tests and by callers that need the outcome.
func (a *Aggregator) RunNow(ctx context.Context, jobID string) error {
	if !a.inflight.acquire(jobID) {
		return nil
	}
	defer a.inflight.release(jobID)
	return a.run(ctx, jobID)
}

func (a *Aggregator) run(ctx context.Context, jobID string) error {
	defer metrics.MeasureSince([]string{"duelyard", "aggregator", "run"}, time.Now())

	job, err := a.state.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("aggregation lookup of job %q failed: %w", jobID, err)
	}

	// Already rated: at most stamp the status and get out. This is what
	// makes duplicate dispatches and reruns after crashes no-ops.
	hasResults, err := a.ratingStore.HasResultsForJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("rating store check for job %q failed: %w", jobID, err)
	}
	if hasResults {
		a.finalize(jobID, nil)
		return nil
	}

	sims, err := a.state.SimulationsByJob(jobID)
	if err != nil {
		return fmt.Errorf("simulation scan for job %q failed: %w", jobID, err)
	}

	// Any sim still in flight means a later terminal report will retrigger
	// us; leave everything alone.
	var durations []int64
	for _, sim := range sims {
		switch sim.State {
		case structs.SimStateCompleted, structs.SimStateFailed, structs.SimStateCancelled:
			if sim.DurationMs > 0 {
				durations = append(durations, sim.DurationMs)
			}
		default:
			a.logger.Debug("aggregation deferred, simulations still active",
				"job_id", jobID, "sim_id", sim.ID, "state", sim.State)
			return nil
		}
	}

	games, err := a.logs.Structured(ctx, jobID, job.DeckNames())
	if err != nil {
		return fmt.Errorf("structured log read for job %q failed: %w", jobID, err)
	}

	// No games at all, e.g. every sim was cancelled before starting. The
	// job is done; the rating model is left untouched.
	if len(games) == 0 {
		a.logger.Info("no game results to aggregate", "job_id", jobID)
		a.finalize(jobID, durations)
		return nil
	}

	if err := a.ratings.Process(ctx, jobID, job.DeckIDs, games); err != nil {
		// Rating rejected the data; this does not heal on retry, so the
		// job is failed with the reason.
		a.logger.Error("rating update failed", "job_id", jobID, "error", err)
		if _, applied, ferr := a.state.SetJobFailed(jobID,
			fmt.Sprintf("rating update failed: %v", err), durations, time.Now()); ferr != nil {
			return ferr
		} else if applied {
			a.publishCurrent(jobID)
		}
		return nil
	}

	metrics.IncrCounter([]string{"duelyard", "aggregator", "rated"}, 1)
	a.logger.Info("job aggregated", "job_id", jobID, "games", len(games))
	a.finalize(jobID, durations)
	return nil
}

// finalize moves the job to COMPLETED where the state machine allows it
// (cancelled jobs stay CANCELLED) and emits the terminal snapshot.
func (a *Aggregator) finalize(jobID string, durations []int64) {
	_, applied, err := a.state.SetJobCompleted(jobID, durations, time.Now())
	if err != nil {
		a.logger.Error("failed to mark job completed", "job_id", jobID, "error", err)
		return
	}
	if !applied {
		a.logger.Debug("job already terminal after aggregation", "job_id", jobID)
	}
	a.publishCurrent(jobID)
}

func (a *Aggregator) publishCurrent(jobID string) {
	job, err := a.state.GetJob(jobID)
	if err != nil {
		return
	}
	publishJob(a.progress, job)
}

// lockedSet is a mutex-guarded string set.
type lockedSet struct {
	mu  sync.Mutex
	set *set.Set[string]
}

func newLockedSet() *lockedSet {
	return &lockedSet{set: set.New[string](8)}
}

func (s *lockedSet) acquire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set.Contains(key) {
		return false
	}
	s.set.Insert(key)
	return true
}

func (s *lockedSet) release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set.Remove(key)
}
