package duelyard

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/yardworks/duelyard/duelyard/broker"
	"github.com/yardworks/duelyard/duelyard/state"
	"github.com/yardworks/duelyard/duelyard/stream"

	"github.com/yardworks/duelyard/duelyard/structs"
)

// RecoveryService watches for jobs that stopped making progress: stuck jobs
// whose aggregation never landed, and sims wedged in RUNNING by a crashed
// worker. Checks are armed per job at creation and re-armed until the job
// goes terminal; an external caller can also force a check.
type RecoveryService struct {
	logger   hclog.Logger
	config   *Config
	state    *state.StateStore
	tasks    *broker.TaskBroker
	progress *stream.EventBroker

	aggregator *Aggregator
	pool       *taskPool

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewRecoveryService(logger hclog.Logger, config *Config, store *state.StateStore,
	tasks *broker.TaskBroker, progress *stream.EventBroker, aggregator *Aggregator,
	pool *taskPool) *RecoveryService {

	return &RecoveryService{
		logger:     logger.Named("recovery"),
		config:     config,
		state:      store,
		tasks:      tasks,
		progress:   progress,
		aggregator: aggregator,
		pool:       pool,
		timers:     make(map[string]*time.Timer),
	}
}

// ScheduleCheck arms (or re-arms) the recovery timer for a job.
func (r *RecoveryService) ScheduleCheck(jobID string, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if timer, ok := r.timers[jobID]; ok {
		timer.Stop()
	}
	r.timers[jobID] = time.AfterFunc(delay, func() {
		r.pool.Submit("recovery/"+jobID, r.config.RequestTimeout, func(ctx context.Context) error {
			_, err := r.RunRecoveryCheck(ctx, jobID)
			return err
		})
	})
}

// CancelCheck disarms a job's recovery timer, if any.
func (r *RecoveryService) CancelCheck(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if timer, ok := r.timers[jobID]; ok {
		timer.Stop()
		delete(r.timers, jobID)
	}
}

// RecoveryOutcome reports what a check did.
type RecoveryOutcome struct {
	Status      string
	Recovered   bool
	StillActive bool
}

// RunRecoveryCheck inspects one job and repairs whatever it finds: a
// terminal job is left alone, a stuck one is re-aggregated, and stale
// RUNNING sims are failed and their tasks republished. Safe under
// concurrent invocation; every mutation is guarded by the state machine or
// a CAS.
func (r *RecoveryService) RunRecoveryCheck(ctx context.Context, jobID string) (*RecoveryOutcome, error) {
	defer metrics.MeasureSince([]string{"duelyard", "recovery", "check"}, time.Now())

	job, err := r.state.GetJob(jobID)
	if err != nil {
		// The job may have been deleted since the timer was armed.
		if err == structs.ErrJobNotFound {
			r.CancelCheck(jobID)
			return nil, err
		}
		return nil, err
	}

	if structs.IsTerminalJobStatus(job.Status) {
		r.CancelCheck(jobID)
		return &RecoveryOutcome{Status: job.Status}, nil
	}

	if job.IsStuck() {
		r.logger.Warn("stuck job found by recovery, re-running aggregation", "job_id", jobID)
		r.aggregator.Dispatch(jobID)
		r.ScheduleCheck(jobID, r.config.RetryInterval)
		return &RecoveryOutcome{Status: job.Status, Recovered: true, StillActive: true}, nil
	}

	res, err := r.state.RecoverStaleJob(jobID, r.config.SimStaleAfter, r.config.MaxRetries, time.Now())
	if err != nil {
		return nil, err
	}

	if len(res.TimedOutSims) > 0 {
		metrics.IncrCounter([]string{"duelyard", "recovery", "stale_sims"}, float32(len(res.TimedOutSims)))
		r.logger.Warn("timed out stale simulations", "job_id", jobID,
			"count", len(res.TimedOutSims), "retry_count", res.RetryCount)
		publishSims(r.progress, jobID, res.TimedOutSims)
	}

	if res.JobFailed {
		r.logger.Error("job exceeded retry cap, giving up", "job_id", jobID,
			"retry_count", res.RetryCount)
		if failed, err := r.state.GetJob(jobID); err == nil {
			publishJob(r.progress, failed)
		}
		r.CancelCheck(jobID)
		return &RecoveryOutcome{Status: structs.JobStatusFailed, Recovered: true}, nil
	}

	// Put undelivered work back on the bus. Tasks parked in the broker's
	// dead set are resurrected; everything else is an idempotent enqueue.
	for _, sim := range res.RepublishSims {
		task := &structs.SimulationTask{
			JobID:     jobID,
			SimID:     sim.ID,
			SimIndex:  sim.Index,
			TotalSims: job.TotalSimCount,
		}
		if !r.tasks.Resurrect(task.Key()) {
			r.tasks.Enqueue(task)
		}
	}
	if len(res.RepublishSims) > 0 {
		r.logger.Info("republished simulation tasks", "job_id", jobID,
			"count", len(res.RepublishSims))
	}

	r.ScheduleCheck(jobID, r.config.RetryInterval)
	return &RecoveryOutcome{
		Status:      job.Status,
		Recovered:   len(res.TimedOutSims) > 0 || len(res.RepublishSims) > 0,
		StillActive: true,
	}, nil
}

// RescheduleActive re-arms checks for every active job. Called once on
// boot so jobs in flight across a restart are not orphaned.
func (r *RecoveryService) RescheduleActive() error {
	jobs, err := r.state.ListActiveJobs()
	if err != nil {
		return err
	}
	for _, job := range jobs {
		r.ScheduleCheck(job.ID, r.config.RetryInterval)
	}
	if len(jobs) > 0 {
		r.logger.Info("re-armed recovery checks after restart", "jobs", len(jobs))
	}
	return nil
}

// Stop disarms every timer.
func (r *RecoveryService) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, timer := range r.timers {
		timer.Stop()
		delete(r.timers, id)
	}
}
