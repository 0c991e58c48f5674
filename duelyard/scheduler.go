package duelyard

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mitchellh/hashstructure"

	"github.com/yardworks/duelyard/duelyard/broker"
	"github.com/yardworks/duelyard/duelyard/state"
	"github.com/yardworks/duelyard/duelyard/stream"

	"github.com/yardworks/duelyard/duelyard/structs"
)

// recoveryScheduler is the slice of the recovery service the scheduler
// needs: arming and disarming the per-job check timers.
type recoveryScheduler interface {
	ScheduleCheck(jobID string, delay time.Duration)
	CancelCheck(jobID string)
}

// JobCreateRequest is the validated input of CreateJob.
type JobCreateRequest struct {
	DeckIDs        []string
	Simulations    int
	Parallelism    int
	IdempotencyKey string
}

// Scheduler creates jobs and fans their simulation tasks out to workers.
type Scheduler struct {
	logger   hclog.Logger
	config   *Config
	state    *state.StateStore
	tasks    *broker.TaskBroker
	progress *stream.EventBroker

	decks DeckStore

	// deckCache holds recently resolved decks. Jobs snapshot decks at
	// create time anyway, so a short-lived cache cannot leak stale
	// content into anything that matters.
	deckCache *lru.Cache[string, *structs.DeckSnapshot]

	limiter    *simRateLimiter
	recovery   recoveryScheduler
	aggregator *Aggregator
}

func NewScheduler(logger hclog.Logger, config *Config, store *state.StateStore,
	tasks *broker.TaskBroker, progress *stream.EventBroker, decks DeckStore,
	limiter *simRateLimiter, recovery recoveryScheduler, aggregator *Aggregator) *Scheduler {

	cache, _ := lru.New[string, *structs.DeckSnapshot](128)
	return &Scheduler{
		logger:     logger.Named("scheduler"),
		config:     config,
		state:      store,
		tasks:      tasks,
		progress:   progress,
		decks:      decks,
		deckCache:  cache,
		limiter:    limiter,
		recovery:   recovery,
		aggregator: aggregator,
	}
}

// CreateJob validates and persists a new job, fans out its simulation
// tasks, and arms the first recovery check. Every step is safe to repeat
// under retry: the idempotency key makes the persist step a read, the sim
// init and the broker enqueue are no-ops on duplicates.
func (s *Scheduler) CreateJob(ctx context.Context, req *JobCreateRequest, caller *structs.Caller) (*structs.Job, error) {
	defer metrics.MeasureSince([]string{"duelyard", "scheduler", "create_job"}, time.Now())

	if err := s.validate(req); err != nil {
		return nil, err
	}
	if err := s.limiter.check(ctx, caller.ID, req.Simulations); err != nil {
		return nil, err
	}

	snapshot, err := s.resolveDecks(ctx, req.DeckIDs)
	if err != nil {
		return nil, err
	}

	// Hash the payload so a reused idempotency key with different input
	// is rejected instead of silently returning an unrelated job.
	payloadHash, err := hashstructure.Hash(struct {
		DeckIDs     []string
		Simulations int
	}{req.DeckIDs, req.Simulations}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to hash request: %w", err)
	}

	jobID, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate job id: %w", err)
	}

	job := &structs.Job{
		ID:                jobID,
		DeckIDs:           append([]string(nil), req.DeckIDs...),
		DeckSnapshot:      snapshot,
		RequestedSims:     req.Simulations,
		GamesPerContainer: s.config.GamesPerContainer,
		TotalSimCount:     structs.TotalSimCountFor(req.Simulations, s.config.GamesPerContainer),
		Status:            structs.JobStatusQueued,
		CreatedAt:         time.Now(),
		IdempotencyKey:    req.IdempotencyKey,
		PayloadHash:       payloadHash,
		CreatedBy:         caller.ID,
	}

	persisted, created, err := s.state.CreateJob(job)
	if err != nil {
		return nil, err
	}
	if !created {
		// Idempotent replay: the job, its sims and its tasks already
		// exist. Nothing is re-published.
		s.logger.Debug("idempotent job create replayed",
			"job_id", persisted.ID, "idempotency_key", req.IdempotencyKey)
		return persisted, nil
	}

	if _, err := s.state.InitializeSimulations(persisted.ID, persisted.TotalSimCount); err != nil {
		return nil, err
	}

	// If the enqueue is lost (crash, disabled broker) the job is already
	// durable and the recovery check below republishes.
	s.publishTasks(persisted)

	s.recovery.ScheduleCheck(persisted.ID, s.config.RecoveryInterval)

	publishJob(s.progress, persisted)
	sims, err := s.state.SimulationsByJob(persisted.ID)
	if err == nil {
		publishSims(s.progress, persisted.ID, sims)
	}

	s.logger.Info("job created", "job_id", persisted.ID,
		"requested_sims", persisted.RequestedSims, "total_sims", persisted.TotalSimCount,
		"created_by", caller.ID)
	return persisted, nil
}

func (s *Scheduler) validate(req *JobCreateRequest) error {
	if len(req.DeckIDs) != structs.DeckCount {
		return fmt.Errorf("%w: expected %d deck ids, got %d",
			structs.ErrBadRequest, structs.DeckCount, len(req.DeckIDs))
	}
	for i, id := range req.DeckIDs {
		if id == "" {
			return fmt.Errorf("%w: deck id %d is empty", structs.ErrBadRequest, i)
		}
	}
	if req.Simulations < 1 || req.Simulations > s.config.SimMax {
		return fmt.Errorf("%w: simulations must be in [1,%d], got %d",
			structs.ErrBadRequest, s.config.SimMax, req.Simulations)
	}
	if req.Parallelism < 0 || req.Parallelism > s.config.ParallelismMax {
		return fmt.Errorf("%w: parallelism must be in [1,%d], got %d",
			structs.ErrBadRequest, s.config.ParallelismMax, req.Parallelism)
	}
	return nil
}

func (s *Scheduler) resolveDecks(ctx context.Context, deckIDs []string) ([]*structs.DeckSnapshot, error) {
	snapshot := make([]*structs.DeckSnapshot, len(deckIDs))
	for i, id := range deckIDs {
		if deck, ok := s.deckCache.Get(id); ok {
			snapshot[i] = deck
			continue
		}
		deck, err := s.decks.Resolve(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("%w: deck %q could not be resolved: %v",
				structs.ErrBadRequest, id, err)
		}
		s.deckCache.Add(id, deck)
		snapshot[i] = deck
	}
	return snapshot, nil
}

// publishTasks fans out one broker task per simulation.
func (s *Scheduler) publishTasks(job *structs.Job) {
	tasks := make([]*structs.SimulationTask, 0, job.TotalSimCount)
	for i := 0; i < job.TotalSimCount; i++ {
		tasks = append(tasks, &structs.SimulationTask{
			JobID:     job.ID,
			SimID:     structs.SimulationID(i),
			SimIndex:  i,
			TotalSims: job.TotalSimCount,
		})
	}
	s.tasks.EnqueueAll(tasks)
}

// ListJobs returns job summaries with the effective status applied. Stuck
// jobs, where the counter saturated but aggregation never finished, are
// reported COMPLETED and quietly handed to the aggregator in the
// background.
func (s *Scheduler) ListJobs(_ *structs.Caller) ([]*structs.JobListStub, error) {
	jobs, err := s.state.ListJobs()
	if err != nil {
		return nil, err
	}

	stubs := make([]*structs.JobListStub, 0, len(jobs))
	for _, job := range jobs {
		if job.IsStuck() {
			if s.aggregator.Dispatch(job.ID) {
				s.logger.Warn("stuck job detected, re-running aggregation", "job_id", job.ID)
			}
		}
		stubs = append(stubs, job.Stub())
	}
	return stubs, nil
}

// GetJob returns a single job.
func (s *Scheduler) GetJob(jobID string) (*structs.Job, error) {
	return s.state.GetJob(jobID)
}

// ClaimNextJob atomically hands the oldest queued job to a pull-mode
// worker.
func (s *Scheduler) ClaimNextJob(caller *structs.Caller, workerID, workerName string) (*structs.Job, error) {
	if !caller.IsWorker() {
		return nil, structs.ErrPermissionDenied
	}
	job, err := s.state.ClaimNextJob(workerID, workerName, time.Now())
	if err != nil {
		return nil, err
	}
	publishJob(s.progress, job)
	return job, nil
}

// DeleteJob removes a job and all of its records. Admin only.
func (s *Scheduler) DeleteJob(jobID string, caller *structs.Caller) error {
	if !caller.IsAdmin() {
		return structs.ErrPermissionDenied
	}
	s.recovery.CancelCheck(jobID)
	s.tasks.CancelJob(jobID)
	return s.state.DeleteJob(jobID)
}

// BulkDeleteResult is the per-job outcome of a bulk delete.
type BulkDeleteResult struct {
	JobID   string
	Deleted bool
	Error   string
}

// BulkDeleteJobs deletes up to maxBulkDelete jobs, collecting per-job
// outcomes instead of failing the batch.
const maxBulkDelete = 50

func (s *Scheduler) BulkDeleteJobs(jobIDs []string, caller *structs.Caller) ([]*BulkDeleteResult, error) {
	if !caller.IsAdmin() {
		return nil, structs.ErrPermissionDenied
	}
	if len(jobIDs) == 0 || len(jobIDs) > maxBulkDelete {
		return nil, fmt.Errorf("%w: jobIds must contain between 1 and %d entries",
			structs.ErrBadRequest, maxBulkDelete)
	}

	results := make([]*BulkDeleteResult, 0, len(jobIDs))
	for _, id := range jobIDs {
		res := &BulkDeleteResult{JobID: id}
		s.recovery.CancelCheck(id)
		s.tasks.CancelJob(id)
		if err := s.state.DeleteJob(id); err != nil {
			res.Error = err.Error()
		} else {
			res.Deleted = true
		}
		results = append(results, res)
	}
	return results, nil
}
