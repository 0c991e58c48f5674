package state

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	memdb "github.com/hashicorp/go-memdb"

	"github.com/yardworks/duelyard/duelyard/structs"
)

// StateStoreConfig configures a state store.
type StateStoreConfig struct {
	Logger hclog.Logger

	// Persister, when set, receives a write-through copy of every mutation
	// and is replayed into memory on boot. Nil means the store is purely
	// in-memory (embedded / dev mode).
	Persister Persister
}

// StateStore holds jobs, simulations, idempotency keys and worker
// registrations. Reads hit go-memdb snapshots and never block writers;
// writes are serialized by memdb's single-writer transaction, which is what
// makes the conditional updates and counter increments below atomic.
type StateStore struct {
	logger  hclog.Logger
	db      *memdb.MemDB
	persist Persister

	// index is bumped on every mutation and stamped onto records as
	// ModifyIndex.
	index uint64
}

// NewStateStore creates a state store and, if a persister is configured,
// replays its contents into memory.
func NewStateStore(config *StateStoreConfig) (*StateStore, error) {
	db, err := memdb.NewMemDB(stateStoreSchema())
	if err != nil {
		return nil, fmt.Errorf("state store setup failed: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	s := &StateStore{
		logger:  logger.Named("state_store"),
		db:      db,
		persist: config.Persister,
	}

	if s.persist != nil {
		if err := s.restore(); err != nil {
			return nil, fmt.Errorf("state store restore failed: %w", err)
		}
	}
	return s, nil
}

// LatestIndex returns the current modify index.
func (s *StateStore) LatestIndex() uint64 {
	return atomic.LoadUint64(&s.index)
}

func (s *StateStore) nextIndex() uint64 {
	return atomic.AddUint64(&s.index, 1)
}

// restore replays the durable backend into memdb. Called once before the
// store is handed to any service.
func (s *StateStore) restore() error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	var restored int
	var maxIndex uint64
	seen := func(index uint64) {
		if index > maxIndex {
			maxIndex = index
		}
	}
	err := s.persist.Restore(func(kind RecordKind, raw interface{}) error {
		restored++
		switch kind {
		case RecordJob:
			seen(raw.(*structs.Job).ModifyIndex)
			return txn.Insert(TableJobs, raw)
		case RecordSimulation:
			seen(raw.(*structs.Simulation).ModifyIndex)
			return txn.Insert(TableSimulations, raw)
		case RecordIdempotencyKey:
			return txn.Insert(TableIdempotencyKeys, raw)
		case RecordWorker:
			seen(raw.(*structs.WorkerInfo).ModifyIndex)
			return txn.Insert(TableWorkers, raw)
		default:
			return fmt.Errorf("unknown record kind %q", kind)
		}
	})
	if err != nil {
		return err
	}

	txn.Commit()

	// Resume the index past every restored record so post-restart writes
	// stay monotone for stream consumers.
	atomic.StoreUint64(&s.index, maxIndex)
	if restored > 0 {
		s.logger.Info("restored state from durable backend", "records", restored)
	}
	return nil
}

// CreateJob atomically persists a job together with its idempotency record.
// If the idempotency key already maps to a job, that job is returned and
// created is false; a reused key with a different payload hash is a
// conflict.
func (s *StateStore) CreateJob(job *structs.Job) (*structs.Job, bool, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if job.IdempotencyKey != "" {
		raw, err := txn.First(TableIdempotencyKeys, indexID, job.IdempotencyKey)
		if err != nil {
			return nil, false, fmt.Errorf("idempotency key lookup failed: %w", err)
		}
		if raw != nil {
			rec := raw.(*structs.IdempotencyRecord)
			if rec.PayloadHash != job.PayloadHash {
				return nil, false, structs.ErrIdempotencyConflict
			}
			existingRaw, err := txn.First(TableJobs, indexID, rec.JobID)
			if err != nil {
				return nil, false, fmt.Errorf("job lookup failed: %w", err)
			}
			if existingRaw == nil {
				return nil, false, fmt.Errorf("idempotency key %q references missing job %q",
					job.IdempotencyKey, rec.JobID)
			}
			return existingRaw.(*structs.Job).Copy(), false, nil
		}
	}

	job = job.Copy()
	job.ModifyIndex = s.nextIndex()
	if err := txn.Insert(TableJobs, job); err != nil {
		return nil, false, fmt.Errorf("job insert failed: %w", err)
	}

	var rec *structs.IdempotencyRecord
	if job.IdempotencyKey != "" {
		rec = &structs.IdempotencyRecord{
			Key:         job.IdempotencyKey,
			JobID:       job.ID,
			PayloadHash: job.PayloadHash,
			CreatedAt:   job.CreatedAt,
		}
		if err := txn.Insert(TableIdempotencyKeys, rec); err != nil {
			return nil, false, fmt.Errorf("idempotency key insert failed: %w", err)
		}
	}

	if s.persist != nil {
		if err := s.persist.PutJob(job); err != nil {
			return nil, false, fmt.Errorf("job persist failed: %w", err)
		}
		if rec != nil {
			if err := s.persist.PutIdempotencyRecord(rec); err != nil {
				return nil, false, fmt.Errorf("idempotency key persist failed: %w", err)
			}
		}
	}

	txn.Commit()
	return job.Copy(), true, nil
}

// GetJob returns a copy of the job or ErrJobNotFound.
func (s *StateStore) GetJob(jobID string) (*structs.Job, error) {
	txn := s.db.Txn(false)
	raw, err := txn.First(TableJobs, indexID, jobID)
	if err != nil {
		return nil, fmt.Errorf("job lookup failed: %w", err)
	}
	if raw == nil {
		return nil, structs.ErrJobNotFound
	}
	return raw.(*structs.Job).Copy(), nil
}

// ListJobs returns all jobs, newest first.
func (s *StateStore) ListJobs() ([]*structs.Job, error) {
	txn := s.db.Txn(false)
	iter, err := txn.Get(TableJobs, indexID)
	if err != nil {
		return nil, fmt.Errorf("job scan failed: %w", err)
	}

	var out []*structs.Job
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.Job).Copy())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ListActiveJobs returns jobs in QUEUED or RUNNING status.
func (s *StateStore) ListActiveJobs() ([]*structs.Job, error) {
	txn := s.db.Txn(false)

	var out []*structs.Job
	for _, status := range []string{structs.JobStatusQueued, structs.JobStatusRunning} {
		iter, err := txn.Get(TableJobs, indexStatus, status)
		if err != nil {
			return nil, fmt.Errorf("job scan failed: %w", err)
		}
		for raw := iter.Next(); raw != nil; raw = iter.Next() {
			out = append(out, raw.(*structs.Job).Copy())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// InitializeSimulations creates count PENDING simulation records for the
// job. Records that already exist are left untouched, so repeated calls for
// the same count are no-ops.
func (s *StateStore) InitializeSimulations(jobID string, count int) (int, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	jobRaw, err := txn.First(TableJobs, indexID, jobID)
	if err != nil {
		return 0, fmt.Errorf("job lookup failed: %w", err)
	}
	if jobRaw == nil {
		return 0, structs.ErrJobNotFound
	}

	var created int
	for i := 0; i < count; i++ {
		simID := structs.SimulationID(i)
		existing, err := txn.First(TableSimulations, indexID, jobID, simID)
		if err != nil {
			return 0, fmt.Errorf("simulation lookup failed: %w", err)
		}
		if existing != nil {
			continue
		}

		sim := &structs.Simulation{
			JobID:       jobID,
			ID:          simID,
			Index:       i,
			State:       structs.SimStatePending,
			ModifyIndex: s.nextIndex(),
		}
		if err := txn.Insert(TableSimulations, sim); err != nil {
			return 0, fmt.Errorf("simulation insert failed: %w", err)
		}
		if s.persist != nil {
			if err := s.persist.PutSimulation(sim); err != nil {
				return 0, fmt.Errorf("simulation persist failed: %w", err)
			}
		}
		created++
	}

	txn.Commit()
	return created, nil
}

// GetSimulation returns a copy of a single simulation.
func (s *StateStore) GetSimulation(jobID, simID string) (*structs.Simulation, error) {
	txn := s.db.Txn(false)
	raw, err := txn.First(TableSimulations, indexID, jobID, simID)
	if err != nil {
		return nil, fmt.Errorf("simulation lookup failed: %w", err)
	}
	if raw == nil {
		return nil, structs.ErrSimNotFound
	}
	return raw.(*structs.Simulation).Copy(), nil
}

// SimulationsByJob returns all simulations of a job ordered by index.
func (s *StateStore) SimulationsByJob(jobID string) ([]*structs.Simulation, error) {
	txn := s.db.Txn(false)
	iter, err := txn.Get(TableSimulations, indexJob, jobID)
	if err != nil {
		return nil, fmt.Errorf("simulation scan failed: %w", err)
	}

	var out []*structs.Simulation
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.Simulation).Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// UpdateSimulationStatus applies a patch. Only non-terminal transitions go
// through here; terminal ones use the conditional variant. A state change is
// checked against the transition table inside the write transaction, so a
// writer racing a cancel cascade gets ErrInvalidTransition instead of
// regressing a terminal simulation.
func (s *StateStore) UpdateSimulationStatus(jobID, simID string, patch *structs.SimulationPatch, now time.Time) (*structs.Simulation, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	sim, err := s.patchSimulationTxn(txn, jobID, simID, nil, patch, now)
	if err != nil {
		return nil, err
	}

	txn.Commit()
	return sim.Copy(), nil
}

// ConditionalUpdateSimulationStatus applies the patch only if the current
// state is one of allowedFrom. Returns false, without error, when the guard
// fails; that is how duplicate terminal deliveries are absorbed.
func (s *StateStore) ConditionalUpdateSimulationStatus(jobID, simID string, allowedFrom []string, patch *structs.SimulationPatch, now time.Time) (bool, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	_, err := s.patchSimulationTxn(txn, jobID, simID, allowedFrom, patch, now)
	if err == errGuardFailed {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	txn.Commit()
	return true, nil
}

// errGuardFailed is internal to the conditional update path.
var errGuardFailed = fmt.Errorf("state guard failed")

func (s *StateStore) patchSimulationTxn(txn *memdb.Txn, jobID, simID string, allowedFrom []string, patch *structs.SimulationPatch, now time.Time) (*structs.Simulation, error) {
	raw, err := txn.First(TableSimulations, indexID, jobID, simID)
	if err != nil {
		return nil, fmt.Errorf("simulation lookup failed: %w", err)
	}
	if raw == nil {
		return nil, structs.ErrSimNotFound
	}
	sim := raw.(*structs.Simulation)

	if allowedFrom != nil {
		ok := false
		for _, from := range allowedFrom {
			if sim.State == from {
				ok = true
				break
			}
		}
		if !ok {
			return nil, errGuardFailed
		}
	} else if patch.State != "" && !structs.CanSimTransition(sim.State, patch.State) {
		return nil, fmt.Errorf("%w: simulation %s/%s cannot move %s -> %s",
			structs.ErrInvalidTransition, jobID, simID, sim.State, patch.State)
	}

	updated := sim.Copy()
	patch.Apply(updated)

	// Stamp lifecycle timestamps on the transitions that define them. A
	// retry back to PENDING resets them so the next run is timed afresh.
	if patch.State == structs.SimStatePending {
		updated.StartedAt = nil
		updated.CompletedAt = nil
		updated.ErrorMessage = ""
	}
	if patch.State == structs.SimStateRunning {
		updated.StartedAt = &now
		updated.CompletedAt = nil
	}
	if structs.IsTerminalSimState(patch.State) || patch.State == structs.SimStateFailed {
		if updated.CompletedAt == nil {
			updated.CompletedAt = &now
		}
	}
	updated.ModifyIndex = s.nextIndex()

	if err := txn.Insert(TableSimulations, updated); err != nil {
		return nil, fmt.Errorf("simulation update failed: %w", err)
	}
	if s.persist != nil {
		if err := s.persist.PutSimulation(updated); err != nil {
			return nil, fmt.Errorf("simulation persist failed: %w", err)
		}
	}
	return updated, nil
}

// IncrementCompletedSimCount bumps the job's completion counter and returns
// the post-increment completed and total values. The memdb write lock makes
// the read-modify-write atomic, so concurrent callers each observe a
// distinct value.
func (s *StateStore) IncrementCompletedSimCount(jobID string) (int, int, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableJobs, indexID, jobID)
	if err != nil {
		return 0, 0, fmt.Errorf("job lookup failed: %w", err)
	}
	if raw == nil {
		return 0, 0, structs.ErrJobNotFound
	}

	job := raw.(*structs.Job).Copy()
	job.CompletedSimCount++
	if job.CompletedSimCount > job.TotalSimCount {
		// The terminal CAS upstream is supposed to make this
		// unreachable; refuse to break the counter invariant anyway.
		return 0, 0, fmt.Errorf("completed count %d would exceed total %d for job %q",
			job.CompletedSimCount, job.TotalSimCount, jobID)
	}
	job.ModifyIndex = s.nextIndex()

	if err := s.insertJobTxn(txn, job); err != nil {
		return 0, 0, err
	}

	txn.Commit()
	return job.CompletedSimCount, job.TotalSimCount, nil
}

func (s *StateStore) insertJobTxn(txn *memdb.Txn, job *structs.Job) error {
	if err := txn.Insert(TableJobs, job); err != nil {
		return fmt.Errorf("job update failed: %w", err)
	}
	if s.persist != nil {
		if err := s.persist.PutJob(job); err != nil {
			return fmt.Errorf("job persist failed: %w", err)
		}
	}
	return nil
}

// updateJobTxn fetches the job, applies fn to a copy and writes it back if
// fn returns true.
func (s *StateStore) updateJob(jobID string, fn func(*structs.Job) bool) (*structs.Job, bool, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableJobs, indexID, jobID)
	if err != nil {
		return nil, false, fmt.Errorf("job lookup failed: %w", err)
	}
	if raw == nil {
		return nil, false, structs.ErrJobNotFound
	}

	job := raw.(*structs.Job).Copy()
	if !fn(job) {
		return job, false, nil
	}
	job.ModifyIndex = s.nextIndex()

	if err := s.insertJobTxn(txn, job); err != nil {
		return nil, false, err
	}

	txn.Commit()
	return job.Copy(), true, nil
}

// UpdateJobStatus moves the job to the given status if the state machine
// allows it. Returns the job and whether the transition was applied.
func (s *StateStore) UpdateJobStatus(jobID, status string) (*structs.Job, bool, error) {
	return s.updateJob(jobID, func(job *structs.Job) bool {
		if !structs.CanJobTransition(job.Status, status) {
			return false
		}
		job.Status = status
		return true
	})
}

// SetJobStartedAt records the worker that started the job and the start
// time. A no-op if the job already started.
func (s *StateStore) SetJobStartedAt(jobID, workerID, workerName string, now time.Time) (*structs.Job, bool, error) {
	return s.updateJob(jobID, func(job *structs.Job) bool {
		if job.StartedAt != nil {
			return false
		}
		job.StartedAt = &now
		job.WorkerID = workerID
		job.WorkerName = workerName
		return true
	})
}

// SetJobCompleted moves the job to COMPLETED and records container
// durations. A no-op if the state machine forbids the transition.
func (s *StateStore) SetJobCompleted(jobID string, durationsMs []int64, now time.Time) (*structs.Job, bool, error) {
	return s.updateJob(jobID, func(job *structs.Job) bool {
		if !structs.CanJobTransition(job.Status, structs.JobStatusCompleted) {
			return false
		}
		job.Status = structs.JobStatusCompleted
		job.CompletedAt = &now
		if durationsMs != nil {
			job.ContainerDurationsMs = append([]int64(nil), durationsMs...)
		}
		return true
	})
}

// SetJobFailed moves the job to FAILED with an error message.
func (s *StateStore) SetJobFailed(jobID, msg string, durationsMs []int64, now time.Time) (*structs.Job, bool, error) {
	return s.updateJob(jobID, func(job *structs.Job) bool {
		if !structs.CanJobTransition(job.Status, structs.JobStatusFailed) {
			return false
		}
		job.Status = structs.JobStatusFailed
		job.ErrorMessage = msg
		job.CompletedAt = &now
		if durationsMs != nil {
			job.ContainerDurationsMs = append([]int64(nil), durationsMs...)
		}
		return true
	})
}

// CancelJob moves a non-terminal job to CANCELLED and cascades the
// cancellation to every non-terminal simulation. Returns ErrJobTerminal if
// the job already finished.
func (s *StateStore) CancelJob(jobID string, now time.Time) (*structs.Job, []*structs.Simulation, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableJobs, indexID, jobID)
	if err != nil {
		return nil, nil, fmt.Errorf("job lookup failed: %w", err)
	}
	if raw == nil {
		return nil, nil, structs.ErrJobNotFound
	}
	job := raw.(*structs.Job)

	if structs.IsTerminalJobStatus(job.Status) {
		return nil, nil, structs.ErrJobTerminal
	}
	if !structs.CanJobTransition(job.Status, structs.JobStatusCancelled) {
		return nil, nil, structs.ErrInvalidTransition
	}

	updated := job.Copy()
	updated.Status = structs.JobStatusCancelled
	updated.CompletedAt = &now
	updated.ModifyIndex = s.nextIndex()
	if err := s.insertJobTxn(txn, updated); err != nil {
		return nil, nil, err
	}

	iter, err := txn.Get(TableSimulations, indexJob, jobID)
	if err != nil {
		return nil, nil, fmt.Errorf("simulation scan failed: %w", err)
	}

	// Collect first: mutating the table invalidates the iterator.
	var toCancel []*structs.Simulation
	for rawSim := iter.Next(); rawSim != nil; rawSim = iter.Next() {
		sim := rawSim.(*structs.Simulation)
		if !structs.IsTerminalSimState(sim.State) {
			toCancel = append(toCancel, sim.Copy())
		}
	}

	var cancelled []*structs.Simulation
	for _, sim := range toCancel {
		sim.State = structs.SimStateCancelled
		if sim.CompletedAt == nil {
			sim.CompletedAt = &now
		}
		sim.ModifyIndex = s.nextIndex()
		if err := txn.Insert(TableSimulations, sim); err != nil {
			return nil, nil, fmt.Errorf("simulation update failed: %w", err)
		}
		if s.persist != nil {
			if err := s.persist.PutSimulation(sim); err != nil {
				return nil, nil, fmt.Errorf("simulation persist failed: %w", err)
			}
		}
		cancelled = append(cancelled, sim.Copy())
	}

	txn.Commit()
	return updated.Copy(), cancelled, nil
}

// ClaimNextJob atomically takes the oldest QUEUED job, flips it to RUNNING
// and stamps ClaimedAt. Returns ErrNoQueuedJobs when the queue is empty.
// This is the pull-mode worker path.
func (s *StateStore) ClaimNextJob(workerID, workerName string, now time.Time) (*structs.Job, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	iter, err := txn.Get(TableJobs, indexStatus, structs.JobStatusQueued)
	if err != nil {
		return nil, fmt.Errorf("job scan failed: %w", err)
	}

	var oldest *structs.Job
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		job := raw.(*structs.Job)
		if oldest == nil || job.CreatedAt.Before(oldest.CreatedAt) {
			oldest = job
		}
	}
	if oldest == nil {
		return nil, structs.ErrNoQueuedJobs
	}

	claimed := oldest.Copy()
	claimed.Status = structs.JobStatusRunning
	claimed.ClaimedAt = &now
	claimed.WorkerID = workerID
	claimed.WorkerName = workerName
	claimed.ModifyIndex = s.nextIndex()
	if err := s.insertJobTxn(txn, claimed); err != nil {
		return nil, err
	}

	txn.Commit()
	return claimed.Copy(), nil
}

// RecoveryResult describes what a stale-job sweep changed.
type RecoveryResult struct {
	// TimedOutSims are RUNNING sims transitioned to FAILED because their
	// StartedAt exceeded the stale threshold.
	TimedOutSims []*structs.Simulation

	// RepublishSims are the sims (PENDING plus newly FAILED) whose tasks
	// should be put back on the broker.
	RepublishSims []*structs.Simulation

	// JobFailed is true when the retry cap was hit and the job was moved
	// to FAILED.
	JobFailed bool

	// RetryCount is the job's retry count after the sweep.
	RetryCount int
}

// RecoverStaleJob sweeps a job's RUNNING sims that have been running longer
// than staleAfter back to FAILED, bumps the job's retry count when any were
// found, and fails the job outright past maxRetries. All transitions go
// through the state machine, so a concurrent legitimate completion wins the
// race harmlessly.
func (s *StateStore) RecoverStaleJob(jobID string, staleAfter time.Duration, maxRetries int, now time.Time) (*RecoveryResult, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableJobs, indexID, jobID)
	if err != nil {
		return nil, fmt.Errorf("job lookup failed: %w", err)
	}
	if raw == nil {
		return nil, structs.ErrJobNotFound
	}
	job := raw.(*structs.Job)
	if structs.IsTerminalJobStatus(job.Status) {
		return &RecoveryResult{RetryCount: job.RetryCount}, nil
	}

	iter, err := txn.Get(TableSimulations, indexJob, jobID)
	if err != nil {
		return nil, fmt.Errorf("simulation scan failed: %w", err)
	}

	var stale, pending []*structs.Simulation
	for rawSim := iter.Next(); rawSim != nil; rawSim = iter.Next() {
		sim := rawSim.(*structs.Simulation)
		switch sim.State {
		case structs.SimStateRunning:
			if sim.StartedAt != nil && now.Sub(*sim.StartedAt) > staleAfter {
				stale = append(stale, sim.Copy())
			}
		case structs.SimStatePending, structs.SimStateFailed:
			pending = append(pending, sim.Copy())
		}
	}

	res := &RecoveryResult{}
	for _, sim := range stale {
		if !structs.CanSimTransition(sim.State, structs.SimStateFailed) {
			continue
		}
		sim.State = structs.SimStateFailed
		sim.ErrorMessage = "simulation timed out"
		sim.CompletedAt = &now
		sim.ModifyIndex = s.nextIndex()
		if err := txn.Insert(TableSimulations, sim); err != nil {
			return nil, fmt.Errorf("simulation update failed: %w", err)
		}
		if s.persist != nil {
			if err := s.persist.PutSimulation(sim); err != nil {
				return nil, fmt.Errorf("simulation persist failed: %w", err)
			}
		}
		res.TimedOutSims = append(res.TimedOutSims, sim.Copy())
	}

	updated := job.Copy()
	if len(res.TimedOutSims) > 0 {
		updated.RetryCount++
	}
	res.RetryCount = updated.RetryCount

	if updated.RetryCount > maxRetries {
		if structs.CanJobTransition(updated.Status, structs.JobStatusFailed) {
			updated.Status = structs.JobStatusFailed
			updated.ErrorMessage = "max retries exceeded"
			updated.CompletedAt = &now
			res.JobFailed = true
		}
	} else {
		res.RepublishSims = append(pending, res.TimedOutSims...)
	}

	if updated.RetryCount != job.RetryCount || res.JobFailed {
		updated.ModifyIndex = s.nextIndex()
		if err := s.insertJobTxn(txn, updated); err != nil {
			return nil, err
		}
	}

	txn.Commit()
	return res, nil
}

// DeleteJob removes the job, its simulations and its idempotency record.
func (s *StateStore) DeleteJob(jobID string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableJobs, indexID, jobID)
	if err != nil {
		return fmt.Errorf("job lookup failed: %w", err)
	}
	if raw == nil {
		return structs.ErrJobNotFound
	}
	job := raw.(*structs.Job)

	if err := s.deleteSimulationsTxn(txn, jobID); err != nil {
		return err
	}

	if job.IdempotencyKey != "" {
		if _, err := txn.DeleteAll(TableIdempotencyKeys, indexID, job.IdempotencyKey); err != nil {
			return fmt.Errorf("idempotency key delete failed: %w", err)
		}
	}

	if err := txn.Delete(TableJobs, job); err != nil {
		return fmt.Errorf("job delete failed: %w", err)
	}
	if s.persist != nil {
		if err := s.persist.DeleteJob(jobID, job.IdempotencyKey); err != nil {
			return fmt.Errorf("job persist delete failed: %w", err)
		}
	}

	txn.Commit()
	return nil
}

// DeleteSimulations removes all simulation records of a job.
func (s *StateStore) DeleteSimulations(jobID string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if err := s.deleteSimulationsTxn(txn, jobID); err != nil {
		return err
	}

	txn.Commit()
	return nil
}

func (s *StateStore) deleteSimulationsTxn(txn *memdb.Txn, jobID string) error {
	if _, err := txn.DeleteAll(TableSimulations, indexJob, jobID); err != nil {
		return fmt.Errorf("simulation delete failed: %w", err)
	}
	if s.persist != nil {
		if err := s.persist.DeleteSimulations(jobID); err != nil {
			return fmt.Errorf("simulation persist delete failed: %w", err)
		}
	}
	return nil
}

// UpsertWorker inserts or refreshes a worker registration, preserving any
// stored override the heartbeat does not carry.
func (s *StateStore) UpsertWorker(worker *structs.WorkerInfo) (*structs.WorkerInfo, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableWorkers, indexID, worker.ID)
	if err != nil {
		return nil, fmt.Errorf("worker lookup failed: %w", err)
	}

	updated := worker.Copy()
	if raw != nil {
		existing := raw.(*structs.WorkerInfo)
		if updated.MaxConcurrentOverride == nil {
			updated.MaxConcurrentOverride = existing.MaxConcurrentOverride
		}
		if updated.OwnerEmail == "" {
			updated.OwnerEmail = existing.OwnerEmail
		}
	}
	updated.ModifyIndex = s.nextIndex()

	if err := txn.Insert(TableWorkers, updated); err != nil {
		return nil, fmt.Errorf("worker update failed: %w", err)
	}
	if s.persist != nil {
		if err := s.persist.PutWorker(updated); err != nil {
			return nil, fmt.Errorf("worker persist failed: %w", err)
		}
	}

	txn.Commit()
	return updated.Copy(), nil
}

// SetWorkerOverride persists (or clears, on nil) the max-concurrent
// override of a worker.
func (s *StateStore) SetWorkerOverride(workerID string, override *int) (*structs.WorkerInfo, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableWorkers, indexID, workerID)
	if err != nil {
		return nil, fmt.Errorf("worker lookup failed: %w", err)
	}
	if raw == nil {
		return nil, structs.ErrWorkerNotFound
	}

	updated := raw.(*structs.WorkerInfo).Copy()
	updated.MaxConcurrentOverride = override
	updated.ModifyIndex = s.nextIndex()

	if err := txn.Insert(TableWorkers, updated); err != nil {
		return nil, fmt.Errorf("worker update failed: %w", err)
	}
	if s.persist != nil {
		if err := s.persist.PutWorker(updated); err != nil {
			return nil, fmt.Errorf("worker persist failed: %w", err)
		}
	}

	txn.Commit()
	return updated.Copy(), nil
}

// GetWorker returns a copy of the worker registration, or nil if unknown.
func (s *StateStore) GetWorker(workerID string) (*structs.WorkerInfo, error) {
	txn := s.db.Txn(false)
	raw, err := txn.First(TableWorkers, indexID, workerID)
	if err != nil {
		return nil, fmt.Errorf("worker lookup failed: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*structs.WorkerInfo).Copy(), nil
}

// ListWorkers returns all worker registrations.
func (s *StateStore) ListWorkers() ([]*structs.WorkerInfo, error) {
	txn := s.db.Txn(false)
	iter, err := txn.Get(TableWorkers, indexID)
	if err != nil {
		return nil, fmt.Errorf("worker scan failed: %w", err)
	}

	var out []*structs.WorkerInfo
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.WorkerInfo).Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
