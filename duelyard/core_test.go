package duelyard

import (
	"fmt"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/yardworks/duelyard/duelyard/mock"
	"github.com/yardworks/duelyard/duelyard/structs"
	"github.com/yardworks/duelyard/helper/pointer"
	"github.com/yardworks/duelyard/helper/testlog"
	"github.com/yardworks/duelyard/testutil"
)

var (
	userCaller   = &structs.Caller{ID: "player@example.com", Role: structs.RoleUser}
	workerCaller = &structs.Caller{ID: "worker-1", Role: structs.RoleWorker}
	adminCaller  = &structs.Caller{ID: "ops@example.com", Role: structs.RoleAdmin}
)

// testCore wires a full in-memory Server against the mock collaborators.
type testCore struct {
	srv     *Server
	decks   *mock.DeckStore
	logs    *mock.LogStore
	ratings *mock.RatingEngine
	rated   *mock.RatingStore
}

func newTestCore(t *testing.T, tweak func(*Config)) *testCore {
	t.Helper()

	config := DefaultConfig()
	config.Logger = testlog.HCLogger(t)

	// Timers stay parked unless a test arms them itself.
	config.RecoveryInterval = time.Hour
	config.RetryInterval = time.Hour
	if tweak != nil {
		tweak(config)
	}

	rated := mock.NewRatingStore()
	tc := &testCore{
		decks:   mock.NewDeckStore(),
		logs:    mock.NewLogStore(),
		ratings: mock.NewRatingEngine(rated),
		rated:   rated,
	}

	srv, err := NewServer(config, Deps{
		Decks:       tc.decks,
		Logs:        tc.logs,
		Ratings:     tc.ratings,
		RatingStore: rated,
	})
	must.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	tc.srv = srv
	return tc
}

func standardDeckIDs() []string {
	return []string{"deck-a", "deck-b", "deck-c", "deck-d"}
}

// createJob submits a job through the scheduler and returns it.
func (tc *testCore) createJob(t *testing.T, sims int, key string) *structs.Job {
	t.Helper()
	job, err := tc.srv.Scheduler.CreateJob(tc.srv.ShutdownCtx(), &JobCreateRequest{
		DeckIDs:        standardDeckIDs(),
		Simulations:    sims,
		IdempotencyKey: key,
	}, userCaller)
	must.NoError(t, err)
	return job
}

// reportSim sends a worker state report through the reporter.
func (tc *testCore) reportSim(t *testing.T, jobID, simID string, patch *structs.SimulationPatch) *SimUpdateResult {
	t.Helper()
	if patch.WorkerID == "" {
		patch.WorkerID = workerCaller.ID
		patch.WorkerName = "bench-worker"
	}
	res, err := tc.srv.Reporter.UpdateSim(tc.srv.ShutdownCtx(), jobID, simID, patch, workerCaller)
	must.NoError(t, err)
	return res
}

// completeSim walks a sim through RUNNING to COMPLETED with a result.
func (tc *testCore) completeSim(t *testing.T, jobID, simID string) {
	t.Helper()
	tc.reportSim(t, jobID, simID, &structs.SimulationPatch{State: structs.SimStateRunning})
	tc.reportSim(t, jobID, simID, &structs.SimulationPatch{
		State:        structs.SimStateCompleted,
		DurationMs:   pointer.Of(int64(1500)),
		Winners:      []string{"Aggro Goblins", "Blue Control", "Aggro Goblins", "Combo Storm"},
		WinningTurns: []int{6, 11, 7, 5},
	})
}

// waitForJobStatus polls until the stored job status matches want.
func (tc *testCore) waitForJobStatus(t *testing.T, jobID, want string) {
	t.Helper()
	testutil.WaitForResult(func() (bool, error) {
		job, err := tc.srv.State.GetJob(jobID)
		if err != nil {
			return false, err
		}
		if job.Status != want {
			return false, fmt.Errorf("job %s is %s, want %s", jobID, job.Status, want)
		}
		return true, nil
	}, func(err error) {
		t.Fatalf("job never reached %s: %v", want, err)
	})
}
