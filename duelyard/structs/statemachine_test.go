package structs

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"
)

func TestCanSimTransition(t *testing.T) {
	cases := []struct {
		from, to string
		ok       bool
	}{
		{SimStatePending, SimStateRunning, true},
		{SimStatePending, SimStateCancelled, true},
		{SimStatePending, SimStateCompleted, false},
		{SimStatePending, SimStateFailed, false},
		{SimStateRunning, SimStateCompleted, true},
		{SimStateRunning, SimStateFailed, true},
		{SimStateRunning, SimStateCancelled, true},
		{SimStateRunning, SimStatePending, false},
		{SimStateFailed, SimStatePending, true},
		{SimStateFailed, SimStateCancelled, true},
		{SimStateFailed, SimStateCompleted, false},
		{SimStateCompleted, SimStateFailed, false},
		{SimStateCompleted, SimStateRunning, false},
		{SimStateCancelled, SimStateRunning, false},
		{SimStateRunning, SimStateRunning, false},
		{"bogus", SimStateRunning, false},
	}
	for _, tc := range cases {
		must.Eq(t, tc.ok, CanSimTransition(tc.from, tc.to),
			must.Sprintf("%s -> %s", tc.from, tc.to))
	}
}

func TestCanJobTransition(t *testing.T) {
	cases := []struct {
		from, to string
		ok       bool
	}{
		{JobStatusQueued, JobStatusRunning, true},
		{JobStatusQueued, JobStatusCancelled, true},
		{JobStatusQueued, JobStatusFailed, true},
		{JobStatusQueued, JobStatusCompleted, false},
		{JobStatusRunning, JobStatusCompleted, true},
		{JobStatusRunning, JobStatusFailed, true},
		{JobStatusRunning, JobStatusCancelled, true},
		{JobStatusRunning, JobStatusQueued, false},
		{JobStatusFailed, JobStatusQueued, true},
		{JobStatusFailed, JobStatusCancelled, true},
		{JobStatusFailed, JobStatusCompleted, false},
		{JobStatusCompleted, JobStatusRunning, false},
		{JobStatusCancelled, JobStatusQueued, false},
	}
	for _, tc := range cases {
		must.Eq(t, tc.ok, CanJobTransition(tc.from, tc.to),
			must.Sprintf("%s -> %s", tc.from, tc.to))
	}
}

func TestTerminalStates(t *testing.T) {
	must.True(t, IsTerminalSimState(SimStateCompleted))
	must.True(t, IsTerminalSimState(SimStateCancelled))
	must.False(t, IsTerminalSimState(SimStateFailed))
	must.False(t, IsTerminalSimState(SimStatePending))
	must.False(t, IsTerminalSimState(SimStateRunning))

	must.True(t, IsTerminalJobStatus(JobStatusCompleted))
	must.True(t, IsTerminalJobStatus(JobStatusCancelled))
	must.False(t, IsTerminalJobStatus(JobStatusFailed))
	must.False(t, IsTerminalJobStatus(JobStatusQueued))
	must.False(t, IsTerminalJobStatus(JobStatusRunning))
}

func TestTotalSimCountFor(t *testing.T) {
	must.Eq(t, 1, TotalSimCountFor(1, 4))
	must.Eq(t, 1, TotalSimCountFor(4, 4))
	must.Eq(t, 2, TotalSimCountFor(5, 4))
	must.Eq(t, 3, TotalSimCountFor(12, 4))
	must.Eq(t, 25, TotalSimCountFor(100, 4))
}

func TestSimulationID(t *testing.T) {
	must.Eq(t, "sim_000", SimulationID(0))
	must.Eq(t, "sim_007", SimulationID(7))
	must.Eq(t, "sim_123", SimulationID(123))
}

func TestJob_EffectiveStatus(t *testing.T) {
	j := &Job{Status: JobStatusRunning, TotalSimCount: 2, CompletedSimCount: 2}
	must.True(t, j.IsStuck())
	must.Eq(t, JobStatusCompleted, j.EffectiveStatus())

	j.CompletedSimCount = 1
	must.False(t, j.IsStuck())
	must.Eq(t, JobStatusRunning, j.EffectiveStatus())

	// Zero fan-out never reads as stuck.
	j = &Job{Status: JobStatusRunning, TotalSimCount: 0, CompletedSimCount: 0}
	must.False(t, j.IsStuck())
}

func TestJob_Copy(t *testing.T) {
	now := time.Now()
	j := &Job{
		ID:           "job-1",
		DeckIDs:      []string{"a", "b", "c", "d"},
		DeckSnapshot: []*DeckSnapshot{{Name: "A"}, {Name: "B"}, {Name: "C"}, {Name: "D"}},
		StartedAt:    &now,
	}
	c := j.Copy()
	c.DeckIDs[0] = "mutated"
	c.DeckSnapshot[0].Name = "mutated"
	*c.StartedAt = now.Add(1)

	must.Eq(t, "a", j.DeckIDs[0])
	must.Eq(t, "A", j.DeckSnapshot[0].Name)
	must.Eq(t, now, *j.StartedAt)
}
