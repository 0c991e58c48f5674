package duelyard

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/yardworks/duelyard/duelyard/broker"
	"github.com/yardworks/duelyard/duelyard/state"
	"github.com/yardworks/duelyard/duelyard/stream"

	"github.com/yardworks/duelyard/duelyard/structs"
)

// CancellationService cancels queued or running jobs: the store cascades
// CANCELLED to every non-terminal sim, pending tasks are dropped from the
// bus, active workers get a best-effort push, and the aggregator is
// dispatched so sims that finished before the cancel still contribute
// their results.
type CancellationService struct {
	logger   hclog.Logger
	config   *Config
	state    *state.StateStore
	tasks    *broker.TaskBroker
	progress *stream.EventBroker

	registry   *WorkerRegistry
	aggregator *Aggregator
	recovery   *RecoveryService
	pool       *taskPool
}

func NewCancellationService(logger hclog.Logger, config *Config, store *state.StateStore,
	tasks *broker.TaskBroker, progress *stream.EventBroker, registry *WorkerRegistry,
	aggregator *Aggregator, recovery *RecoveryService, pool *taskPool) *CancellationService {

	return &CancellationService{
		logger:     logger.Named("cancellation"),
		config:     config,
		state:      store,
		tasks:      tasks,
		progress:   progress,
		registry:   registry,
		aggregator: aggregator,
		recovery:   recovery,
		pool:       pool,
	}
}

// CancelJob is fire-and-forget from the caller's point of view: once the
// store transition lands the job is CANCELLED, whatever the workers do.
// Terminal jobs return ErrJobTerminal (a 409 at the surface).
func (c *CancellationService) CancelJob(_ context.Context, jobID string, caller *structs.Caller) (*structs.Job, error) {
	if caller.Role != structs.RoleUser && !caller.IsAdmin() {
		return nil, structs.ErrPermissionDenied
	}

	job, cancelledSims, err := c.state.CancelJob(jobID, time.Now())
	if err != nil {
		return nil, err
	}
	metrics.IncrCounter([]string{"duelyard", "cancellation", "cancelled"}, 1)
	c.logger.Info("job cancelled", "job_id", jobID,
		"cancelled_sims", len(cancelledSims), "caller", caller.ID)

	// The scheduled recovery check has nothing left to do.
	c.recovery.CancelCheck(jobID)

	// Undelivered tasks are dropped; in-flight ones will report into the
	// terminal-state guards and be absorbed.
	dropped := c.tasks.CancelJob(jobID)
	if dropped > 0 {
		c.logger.Debug("dropped pending tasks", "job_id", jobID, "count", dropped)
	}

	publishJob(c.progress, job)
	publishSims(c.progress, jobID, cancelledSims)

	// Tell the fleet to abort local containers. Best-effort: a worker
	// that misses the push notices the CANCELLED parent on its next
	// status read.
	c.pool.Submit("cancel-push/"+jobID, 0, func(ctx context.Context) error {
		return c.registry.PushToAll(ctx, "/cancel", map[string]string{"jobId": jobID})
	})

	// Sims that completed before the cancel still carry rating data.
	c.aggregator.Dispatch(jobID)

	return job, nil
}
