package state

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/yardworks/duelyard/helper/pointer"

	"github.com/yardworks/duelyard/duelyard/structs"
)

func testStateStore(t *testing.T) *StateStore {
	t.Helper()
	store, err := NewStateStore(&StateStoreConfig{})
	must.NoError(t, err)
	return store
}

func testJob(id string) *structs.Job {
	return &structs.Job{
		ID:      id,
		DeckIDs: []string{"a", "b", "c", "d"},
		DeckSnapshot: []*structs.DeckSnapshot{
			{Name: "Alpha"}, {Name: "Bravo"}, {Name: "Charlie"}, {Name: "Delta"},
		},
		RequestedSims:     12,
		GamesPerContainer: 4,
		TotalSimCount:     3,
		Status:            structs.JobStatusQueued,
		CreatedAt:         time.Now(),
		CreatedBy:         "user-1",
	}
}

func TestStateStore_CreateJob_Idempotency(t *testing.T) {
	store := testStateStore(t)

	job := testJob("job-1")
	job.IdempotencyKey = "k1"
	job.PayloadHash = 42

	out, created, err := store.CreateJob(job)
	must.NoError(t, err)
	must.True(t, created)
	must.Eq(t, "job-1", out.ID)

	// Same key, same payload: the original job comes back, nothing new is
	// created.
	dup := testJob("job-2")
	dup.IdempotencyKey = "k1"
	dup.PayloadHash = 42
	out2, created2, err := store.CreateJob(dup)
	must.NoError(t, err)
	must.False(t, created2)
	must.Eq(t, "job-1", out2.ID)

	// Same key, different payload: conflict.
	bad := testJob("job-3")
	bad.IdempotencyKey = "k1"
	bad.PayloadHash = 99
	_, _, err = store.CreateJob(bad)
	must.ErrorIs(t, err, structs.ErrIdempotencyConflict)

	jobs, err := store.ListJobs()
	must.NoError(t, err)
	must.Len(t, 1, jobs)
}

func TestStateStore_InitializeSimulations_Idempotent(t *testing.T) {
	store := testStateStore(t)
	_, _, err := store.CreateJob(testJob("job-1"))
	must.NoError(t, err)

	created, err := store.InitializeSimulations("job-1", 3)
	must.NoError(t, err)
	must.Eq(t, 3, created)

	// Second call is a no-op.
	created, err = store.InitializeSimulations("job-1", 3)
	must.NoError(t, err)
	must.Eq(t, 0, created)

	sims, err := store.SimulationsByJob("job-1")
	must.NoError(t, err)
	must.Len(t, 3, sims)
	must.Eq(t, "sim_000", sims[0].ID)
	must.Eq(t, structs.SimStatePending, sims[0].State)
	must.Eq(t, 2, sims[2].Index)
}

func TestStateStore_ConditionalUpdate_CAS(t *testing.T) {
	store := testStateStore(t)
	_, _, err := store.CreateJob(testJob("job-1"))
	must.NoError(t, err)
	_, err = store.InitializeSimulations("job-1", 1)
	must.NoError(t, err)

	now := time.Now()
	nonTerminal := []string{structs.SimStatePending, structs.SimStateRunning, structs.SimStateFailed}

	// Terminal CAS from PENDING applies once.
	applied, err := store.ConditionalUpdateSimulationStatus("job-1", "sim_000",
		nonTerminal, &structs.SimulationPatch{State: structs.SimStateCompleted}, now)
	must.NoError(t, err)
	must.True(t, applied)

	sim, err := store.GetSimulation("job-1", "sim_000")
	must.NoError(t, err)
	must.Eq(t, structs.SimStateCompleted, sim.State)
	must.NotNil(t, sim.CompletedAt)

	// A redelivered duplicate fails the guard without error.
	applied, err = store.ConditionalUpdateSimulationStatus("job-1", "sim_000",
		nonTerminal, &structs.SimulationPatch{State: structs.SimStateCompleted}, now)
	must.NoError(t, err)
	must.False(t, applied)
}

func TestStateStore_UpdateSimulationStatus_TerminalSticky(t *testing.T) {
	store := testStateStore(t)
	_, _, err := store.CreateJob(testJob("job-1"))
	must.NoError(t, err)
	_, err = store.InitializeSimulations("job-1", 2)
	must.NoError(t, err)

	now := time.Now()
	_, err = store.UpdateSimulationStatus("job-1", "sim_000",
		&structs.SimulationPatch{State: structs.SimStateRunning}, now)
	must.NoError(t, err)

	_, _, err = store.CancelJob("job-1", now)
	must.NoError(t, err)

	// A worker report that validated before the cancel cascade landed must
	// not regress the cancelled sim.
	_, err = store.UpdateSimulationStatus("job-1", "sim_000",
		&structs.SimulationPatch{State: structs.SimStateRunning}, now)
	must.ErrorIs(t, err, structs.ErrInvalidTransition)

	sim, err := store.GetSimulation("job-1", "sim_000")
	must.NoError(t, err)
	must.Eq(t, structs.SimStateCancelled, sim.State)

	// Same for the retry hop back to PENDING.
	_, err = store.UpdateSimulationStatus("job-1", "sim_001",
		&structs.SimulationPatch{State: structs.SimStatePending}, now)
	must.ErrorIs(t, err, structs.ErrInvalidTransition)

	// Illegal non-terminal transitions are rejected in the same place.
	_, _, err = store.CreateJob(testJob("job-2"))
	must.NoError(t, err)
	_, err = store.InitializeSimulations("job-2", 1)
	must.NoError(t, err)
	_, err = store.UpdateSimulationStatus("job-2", "sim_000",
		&structs.SimulationPatch{State: structs.SimStateCompleted}, now)
	must.ErrorIs(t, err, structs.ErrInvalidTransition)

	// A payload-only patch carries no state change and passes untouched.
	_, err = store.UpdateSimulationStatus("job-2", "sim_000",
		&structs.SimulationPatch{WorkerID: "w1"}, now)
	must.NoError(t, err)
}

func TestStateStore_IncrementCompletedSimCount(t *testing.T) {
	store := testStateStore(t)
	_, _, err := store.CreateJob(testJob("job-1"))
	must.NoError(t, err)

	c, total, err := store.IncrementCompletedSimCount("job-1")
	must.NoError(t, err)
	must.Eq(t, 1, c)
	must.Eq(t, 3, total)

	c, _, err = store.IncrementCompletedSimCount("job-1")
	must.NoError(t, err)
	must.Eq(t, 2, c)

	c, _, err = store.IncrementCompletedSimCount("job-1")
	must.NoError(t, err)
	must.Eq(t, 3, c)

	// The counter never exceeds the total.
	_, _, err = store.IncrementCompletedSimCount("job-1")
	must.Error(t, err)

	job, err := store.GetJob("job-1")
	must.NoError(t, err)
	must.Eq(t, 3, job.CompletedSimCount)
}

func TestStateStore_UpdateJobStatus_Guarded(t *testing.T) {
	store := testStateStore(t)
	_, _, err := store.CreateJob(testJob("job-1"))
	must.NoError(t, err)

	// QUEUED -> COMPLETED is forbidden and must be a no-op.
	job, applied, err := store.UpdateJobStatus("job-1", structs.JobStatusCompleted)
	must.NoError(t, err)
	must.False(t, applied)
	must.Eq(t, structs.JobStatusQueued, job.Status)

	job, applied, err = store.UpdateJobStatus("job-1", structs.JobStatusRunning)
	must.NoError(t, err)
	must.True(t, applied)
	must.Eq(t, structs.JobStatusRunning, job.Status)
}

func TestStateStore_CancelJob_Cascades(t *testing.T) {
	store := testStateStore(t)
	_, _, err := store.CreateJob(testJob("job-1"))
	must.NoError(t, err)
	_, err = store.InitializeSimulations("job-1", 3)
	must.NoError(t, err)

	now := time.Now()

	// sim_000 completed, sim_001 running, sim_002 pending.
	_, err = store.UpdateSimulationStatus("job-1", "sim_000",
		&structs.SimulationPatch{State: structs.SimStateRunning}, now)
	must.NoError(t, err)
	applied, err := store.ConditionalUpdateSimulationStatus("job-1", "sim_000",
		[]string{structs.SimStateRunning}, &structs.SimulationPatch{State: structs.SimStateCompleted}, now)
	must.NoError(t, err)
	must.True(t, applied)
	_, err = store.UpdateSimulationStatus("job-1", "sim_001",
		&structs.SimulationPatch{State: structs.SimStateRunning}, now)
	must.NoError(t, err)

	job, cancelled, err := store.CancelJob("job-1", now)
	must.NoError(t, err)
	must.Eq(t, structs.JobStatusCancelled, job.Status)
	must.Len(t, 2, cancelled)

	sims, err := store.SimulationsByJob("job-1")
	must.NoError(t, err)
	must.Eq(t, structs.SimStateCompleted, sims[0].State)
	must.Eq(t, structs.SimStateCancelled, sims[1].State)
	must.Eq(t, structs.SimStateCancelled, sims[2].State)

	// Cancelling again conflicts.
	_, _, err = store.CancelJob("job-1", now)
	must.ErrorIs(t, err, structs.ErrJobTerminal)
}

func TestStateStore_ClaimNextJob(t *testing.T) {
	store := testStateStore(t)

	_, err := store.ClaimNextJob("w1", "worker-one", time.Now())
	must.ErrorIs(t, err, structs.ErrNoQueuedJobs)

	older := testJob("job-old")
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := testJob("job-new")
	_, _, err = store.CreateJob(newer)
	must.NoError(t, err)
	_, _, err = store.CreateJob(older)
	must.NoError(t, err)

	claimed, err := store.ClaimNextJob("w1", "worker-one", time.Now())
	must.NoError(t, err)
	must.Eq(t, "job-old", claimed.ID)
	must.Eq(t, structs.JobStatusRunning, claimed.Status)
	must.NotNil(t, claimed.ClaimedAt)
	must.Eq(t, "w1", claimed.WorkerID)

	claimed, err = store.ClaimNextJob("w1", "worker-one", time.Now())
	must.NoError(t, err)
	must.Eq(t, "job-new", claimed.ID)
}

func TestStateStore_RecoverStaleJob(t *testing.T) {
	store := testStateStore(t)
	_, _, err := store.CreateJob(testJob("job-1"))
	must.NoError(t, err)
	_, err = store.InitializeSimulations("job-1", 3)
	must.NoError(t, err)
	_, _, err = store.UpdateJobStatus("job-1", structs.JobStatusRunning)
	must.NoError(t, err)

	startedLongAgo := time.Now().Add(-time.Hour)
	_, err = store.UpdateSimulationStatus("job-1", "sim_000",
		&structs.SimulationPatch{State: structs.SimStateRunning}, startedLongAgo)
	must.NoError(t, err)
	_, err = store.UpdateSimulationStatus("job-1", "sim_001",
		&structs.SimulationPatch{State: structs.SimStateRunning}, time.Now())
	must.NoError(t, err)

	res, err := store.RecoverStaleJob("job-1", 30*time.Minute, 3, time.Now())
	must.NoError(t, err)
	must.Len(t, 1, res.TimedOutSims)
	must.Eq(t, "sim_000", res.TimedOutSims[0].ID)
	must.False(t, res.JobFailed)
	must.Eq(t, 1, res.RetryCount)

	// sim_002 is PENDING and sim_000 newly FAILED: both get republished.
	must.Len(t, 2, res.RepublishSims)

	sim, err := store.GetSimulation("job-1", "sim_000")
	must.NoError(t, err)
	must.Eq(t, structs.SimStateFailed, sim.State)

	job, err := store.GetJob("job-1")
	must.NoError(t, err)
	must.Eq(t, 1, job.RetryCount)
}

func TestStateStore_RecoverStaleJob_RetryCap(t *testing.T) {
	store := testStateStore(t)
	job := testJob("job-1")
	job.RetryCount = 3
	_, _, err := store.CreateJob(job)
	must.NoError(t, err)
	_, err = store.InitializeSimulations("job-1", 1)
	must.NoError(t, err)
	_, _, err = store.UpdateJobStatus("job-1", structs.JobStatusRunning)
	must.NoError(t, err)

	startedLongAgo := time.Now().Add(-time.Hour)
	_, err = store.UpdateSimulationStatus("job-1", "sim_000",
		&structs.SimulationPatch{State: structs.SimStateRunning}, startedLongAgo)
	must.NoError(t, err)

	res, err := store.RecoverStaleJob("job-1", 30*time.Minute, 3, time.Now())
	must.NoError(t, err)
	must.True(t, res.JobFailed)
	must.Eq(t, 4, res.RetryCount)
	must.Len(t, 0, res.RepublishSims)

	out, err := store.GetJob("job-1")
	must.NoError(t, err)
	must.Eq(t, structs.JobStatusFailed, out.Status)
	must.Eq(t, "max retries exceeded", out.ErrorMessage)
}

func TestStateStore_RecoverStaleJob_TerminalNoop(t *testing.T) {
	store := testStateStore(t)
	_, _, err := store.CreateJob(testJob("job-1"))
	must.NoError(t, err)
	_, _, err = store.CancelJob("job-1", time.Now())
	must.NoError(t, err)

	res, err := store.RecoverStaleJob("job-1", time.Minute, 3, time.Now())
	must.NoError(t, err)
	must.Len(t, 0, res.TimedOutSims)
	must.Len(t, 0, res.RepublishSims)
	must.False(t, res.JobFailed)
}

func TestStateStore_DeleteJob(t *testing.T) {
	store := testStateStore(t)
	job := testJob("job-1")
	job.IdempotencyKey = "k1"
	_, _, err := store.CreateJob(job)
	must.NoError(t, err)
	_, err = store.InitializeSimulations("job-1", 2)
	must.NoError(t, err)

	must.NoError(t, store.DeleteJob("job-1"))

	_, err = store.GetJob("job-1")
	must.ErrorIs(t, err, structs.ErrJobNotFound)
	sims, err := store.SimulationsByJob("job-1")
	must.NoError(t, err)
	must.Len(t, 0, sims)

	// The idempotency key is released with the job.
	again := testJob("job-2")
	again.IdempotencyKey = "k1"
	_, created, err := store.CreateJob(again)
	must.NoError(t, err)
	must.True(t, created)
}

func TestStateStore_Workers(t *testing.T) {
	store := testStateStore(t)

	w := &structs.WorkerInfo{
		ID:            "w1",
		Name:          "worker-one",
		Status:        structs.WorkerStatusIdle,
		Capacity:      4,
		LastHeartbeat: time.Now(),
		OwnerEmail:    "owner@example.com",
	}
	_, err := store.UpsertWorker(w)
	must.NoError(t, err)

	_, err = store.SetWorkerOverride("w1", pointer.Of(2))
	must.NoError(t, err)

	// A heartbeat without an override keeps the stored one.
	hb := w.Copy()
	hb.MaxConcurrentOverride = nil
	hb.OwnerEmail = ""
	out, err := store.UpsertWorker(hb)
	must.NoError(t, err)
	must.NotNil(t, out.MaxConcurrentOverride)
	must.Eq(t, 2, *out.MaxConcurrentOverride)
	must.Eq(t, "owner@example.com", out.OwnerEmail)

	// Clearing the override works.
	out, err = store.SetWorkerOverride("w1", nil)
	must.NoError(t, err)
	must.Nil(t, out.MaxConcurrentOverride)

	_, err = store.SetWorkerOverride("nope", pointer.Of(1))
	must.ErrorIs(t, err, structs.ErrWorkerNotFound)
}

func TestStateStore_BoltPersistRestore(t *testing.T) {
	path := t.TempDir() + "/state.db"

	persist, err := NewBoltPersister(path)
	must.NoError(t, err)

	store, err := NewStateStore(&StateStoreConfig{Persister: persist})
	must.NoError(t, err)

	job := testJob("job-1")
	job.IdempotencyKey = "k1"
	_, _, err = store.CreateJob(job)
	must.NoError(t, err)
	_, err = store.InitializeSimulations("job-1", 2)
	must.NoError(t, err)
	_, err = store.UpdateSimulationStatus("job-1", "sim_000",
		&structs.SimulationPatch{State: structs.SimStateRunning, WorkerID: "w1"}, time.Now())
	must.NoError(t, err)
	_, err = store.UpsertWorker(&structs.WorkerInfo{ID: "w1", Name: "worker-one", LastHeartbeat: time.Now()})
	must.NoError(t, err)
	must.NoError(t, persist.Close())

	// Reopen and replay.
	persist2, err := NewBoltPersister(path)
	must.NoError(t, err)
	defer persist2.Close()

	restored, err := NewStateStore(&StateStoreConfig{Persister: persist2})
	must.NoError(t, err)

	out, err := restored.GetJob("job-1")
	must.NoError(t, err)
	must.Eq(t, structs.JobStatusQueued, out.Status)
	must.Eq(t, []string{"a", "b", "c", "d"}, out.DeckIDs)

	sims, err := restored.SimulationsByJob("job-1")
	must.NoError(t, err)
	must.Len(t, 2, sims)
	must.Eq(t, structs.SimStateRunning, sims[0].State)
	must.Eq(t, "w1", sims[0].WorkerID)

	// Idempotency keys survive restarts.
	dup := testJob("job-9")
	dup.IdempotencyKey = "k1"
	got, created, err := restored.CreateJob(dup)
	must.NoError(t, err)
	must.False(t, created)
	must.Eq(t, "job-1", got.ID)

	worker, err := restored.GetWorker("w1")
	must.NoError(t, err)
	must.NotNil(t, worker)
	must.Eq(t, "worker-one", worker.Name)

	// The modify index resumes past every restored record, so writes after
	// a restart stay monotone for stream consumers.
	var maxRestored uint64
	for _, index := range []uint64{out.ModifyIndex, sims[0].ModifyIndex, sims[1].ModifyIndex, worker.ModifyIndex} {
		if index > maxRestored {
			maxRestored = index
		}
	}
	must.GreaterEq(t, maxRestored, restored.LatestIndex())

	updated, err := restored.UpdateSimulationStatus("job-1", "sim_001",
		&structs.SimulationPatch{State: structs.SimStateRunning}, time.Now())
	must.NoError(t, err)
	must.Greater(t, maxRestored, updated.ModifyIndex)
}
