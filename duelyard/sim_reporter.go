package duelyard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/yardworks/duelyard/duelyard/state"
	"github.com/yardworks/duelyard/duelyard/stream"

	"github.com/yardworks/duelyard/duelyard/structs"
)

// UpdateReasonTerminal is returned to workers whose report arrived after
// the sim already reached a terminal state. It marks a harmless duplicate,
// not an error.
const UpdateReasonTerminal = "terminal_state"

// SimUpdateResult tells the reporting worker what happened to its update.
type SimUpdateResult struct {
	Updated    bool
	Reason     string
	Simulation *structs.SimulationStatus
}

// SimReporter receives per-simulation state reports from workers, enforces
// the state machine, and drives the completion counter that triggers
// aggregation.
type SimReporter struct {
	logger   hclog.Logger
	config   *Config
	state    *state.StateStore
	progress *stream.EventBroker

	aggregator *Aggregator
}

func NewSimReporter(logger hclog.Logger, config *Config, store *state.StateStore,
	progress *stream.EventBroker, aggregator *Aggregator) *SimReporter {

	return &SimReporter{
		logger:     logger.Named("sim_reporter"),
		config:     config,
		state:      store,
		progress:   progress,
		aggregator: aggregator,
	}
}

// nonTerminalSimStates are the states a terminal CAS may transition away
// from.
var nonTerminalSimStates = []string{
	structs.SimStatePending,
	structs.SimStateRunning,
	structs.SimStateFailed,
}

// UpdateSim applies a worker's report to a simulation. Terminal targets go
// through a CAS so that redelivered duplicates are absorbed without
// touching the completion counter; the counter is incremented exactly once
// per sim, by whichever report wins the CAS.
func (r *SimReporter) UpdateSim(ctx context.Context, jobID, simID string, patch *structs.SimulationPatch, caller *structs.Caller) (*SimUpdateResult, error) {
	if !caller.IsWorker() {
		return nil, structs.ErrPermissionDenied
	}
	defer metrics.MeasureSince([]string{"duelyard", "sim_reporter", "update"}, time.Now())

	sim, err := r.state.GetSimulation(jobID, simID)
	if err != nil {
		return nil, err
	}

	// Stale redelivered messages lose against a terminal state.
	if patch.State != "" && structs.IsTerminalSimState(sim.State) {
		r.logger.Debug("dropping update for terminal simulation",
			"job_id", jobID, "sim_id", simID, "state", sim.State, "patch_state", patch.State)
		return &SimUpdateResult{
			Updated:    false,
			Reason:     UpdateReasonTerminal,
			Simulation: sim.Status(),
		}, nil
	}

	// A redelivered task reports RUNNING against a sim that recovery
	// failed. The retry path is FAILED -> PENDING -> RUNNING; bridge the
	// first hop here so the retry is accounted for.
	if sim.State == structs.SimStateFailed && patch.State == structs.SimStateRunning {
		reset, err := r.state.UpdateSimulationStatus(jobID, simID,
			&structs.SimulationPatch{State: structs.SimStatePending}, time.Now())
		if err != nil {
			if res := r.absorbIfTerminal(jobID, simID, err); res != nil {
				return res, nil
			}
			return nil, err
		}
		sim = reset
	}

	if patch.State != "" && !structs.CanSimTransition(sim.State, patch.State) {
		return nil, fmt.Errorf("%w: simulation %s/%s cannot move %s -> %s",
			structs.ErrInvalidTransition, jobID, simID, sim.State, patch.State)
	}

	now := time.Now()

	if structs.IsTerminalSimState(patch.State) {
		applied, err := r.state.ConditionalUpdateSimulationStatus(jobID, simID, nonTerminalSimStates, patch, now)
		if err != nil {
			return nil, err
		}
		if !applied {
			// Lost the CAS: another delivery already terminated the
			// sim. Idempotent no-op; the counter is not touched.
			current, gerr := r.state.GetSimulation(jobID, simID)
			if gerr != nil {
				return nil, gerr
			}
			return &SimUpdateResult{
				Updated:    false,
				Reason:     UpdateReasonTerminal,
				Simulation: current.Status(),
			}, nil
		}

		if err := r.onTerminal(ctx, jobID, simID); err != nil {
			return nil, err
		}
	} else {
		if _, err := r.state.UpdateSimulationStatus(jobID, simID, patch, now); err != nil {
			if res := r.absorbIfTerminal(jobID, simID, err); res != nil {
				return res, nil
			}
			return nil, err
		}

		if patch.State == structs.SimStateRunning {
			r.autoPromoteJob(jobID, patch.WorkerID, patch.WorkerName, now)
		}
	}

	updated, err := r.state.GetSimulation(jobID, simID)
	if err != nil {
		return nil, err
	}
	publishSims(r.progress, jobID, []*structs.Simulation{updated})
	if job, err := r.state.GetJob(jobID); err == nil {
		publishJob(r.progress, job)
	}

	return &SimUpdateResult{Updated: true, Simulation: updated.Status()}, nil
}

// absorbIfTerminal turns a transition conflict caused by a concurrent
// terminal write (a cancel cascade landing mid-update, most commonly) into
// the idempotent duplicate result. Returns nil when the conflict has some
// other cause and should surface.
func (r *SimReporter) absorbIfTerminal(jobID, simID string, err error) *SimUpdateResult {
	if !errors.Is(err, structs.ErrInvalidTransition) {
		return nil
	}
	current, gerr := r.state.GetSimulation(jobID, simID)
	if gerr != nil || !structs.IsTerminalSimState(current.State) {
		return nil
	}
	return &SimUpdateResult{
		Updated:    false,
		Reason:     UpdateReasonTerminal,
		Simulation: current.Status(),
	}
}

// onTerminal bumps the parent counter after a won CAS and dispatches
// aggregation when the counter saturates.
func (r *SimReporter) onTerminal(_ context.Context, jobID, simID string) error {
	completed, total, err := r.state.IncrementCompletedSimCount(jobID)
	if err != nil {
		return err
	}
	r.logger.Debug("simulation reached terminal state",
		"job_id", jobID, "sim_id", simID, "completed", completed, "total", total)

	if completed >= total && total > 0 {
		if r.aggregator.Dispatch(jobID) {
			r.logger.Info("all simulations terminal, aggregating", "job_id", jobID)
		}
	}
	return nil
}

// autoPromoteJob moves a QUEUED job to RUNNING on the first running sim.
func (r *SimReporter) autoPromoteJob(jobID, workerID, workerName string, now time.Time) {
	job, err := r.state.GetJob(jobID)
	if err != nil || job.Status != structs.JobStatusQueued {
		return
	}
	if _, _, err := r.state.SetJobStartedAt(jobID, workerID, workerName, now); err != nil {
		r.logger.Error("failed to stamp job start", "job_id", jobID, "error", err)
		return
	}
	if _, applied, err := r.state.UpdateJobStatus(jobID, structs.JobStatusRunning); err != nil {
		r.logger.Error("failed to promote job", "job_id", jobID, "error", err)
	} else if applied {
		r.logger.Info("job running", "job_id", jobID, "worker", workerName)
	}
}

// JobWorkerPatch is a job-level report from a pull-mode worker.
type JobWorkerPatch struct {
	Status       string
	WorkerID     string
	WorkerName   string
	ErrorMessage string
	DurationsMs  []int64
}

// UpdateJobFromWorker applies a job-level status report. Transitions are
// state machine guarded; a forbidden transition is a conflict, not a
// silent overwrite.
func (r *SimReporter) UpdateJobFromWorker(_ context.Context, jobID string, patch *JobWorkerPatch, caller *structs.Caller) (*structs.Job, error) {
	if !caller.IsWorker() {
		return nil, structs.ErrPermissionDenied
	}

	job, err := r.state.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if patch.Status == "" || patch.Status == job.Status {
		return job, nil
	}
	if !structs.CanJobTransition(job.Status, patch.Status) {
		return nil, fmt.Errorf("%w: job %s cannot move %s -> %s",
			structs.ErrInvalidTransition, jobID, job.Status, patch.Status)
	}

	now := time.Now()
	switch patch.Status {
	case structs.JobStatusRunning:
		if _, _, err := r.state.SetJobStartedAt(jobID, patch.WorkerID, patch.WorkerName, now); err != nil {
			return nil, err
		}
		if _, _, err := r.state.UpdateJobStatus(jobID, structs.JobStatusRunning); err != nil {
			return nil, err
		}
	case structs.JobStatusCompleted:
		if _, _, err := r.state.SetJobCompleted(jobID, patch.DurationsMs, now); err != nil {
			return nil, err
		}
	case structs.JobStatusFailed:
		msg := patch.ErrorMessage
		if msg == "" {
			msg = "worker reported failure"
		}
		if _, _, err := r.state.SetJobFailed(jobID, msg, patch.DurationsMs, now); err != nil {
			return nil, err
		}
	default:
		if _, _, err := r.state.UpdateJobStatus(jobID, patch.Status); err != nil {
			return nil, err
		}
	}

	updated, err := r.state.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	publishJob(r.progress, updated)
	return updated, nil
}
