package structs

import (
	"fmt"
	"time"
)

const (
	// DefaultGamesPerContainer is the batching factor between the games a
	// user requests and the container runs that execute them. A single
	// simulation record covers this many games.
	DefaultGamesPerContainer = 4

	// DeckCount is the number of decks in a matchup. Every job references
	// exactly this many decks.
	DeckCount = 4
)

// Job statuses. A job is QUEUED from creation until a worker reports the
// first running simulation, then RUNNING until aggregation (or cancellation)
// moves it to a terminal status.
const (
	JobStatusQueued    = "QUEUED"
	JobStatusRunning   = "RUNNING"
	JobStatusCompleted = "COMPLETED"
	JobStatusFailed    = "FAILED"
	JobStatusCancelled = "CANCELLED"
)

// Simulation states.
const (
	SimStatePending   = "PENDING"
	SimStateRunning   = "RUNNING"
	SimStateCompleted = "COMPLETED"
	SimStateFailed    = "FAILED"
	SimStateCancelled = "CANCELLED"
)

// Worker statuses as reported by heartbeats.
const (
	WorkerStatusIdle     = "idle"
	WorkerStatusBusy     = "busy"
	WorkerStatusUpdating = "updating"
)

// Caller roles. The auth layer resolves credentials to one of these before
// a request reaches any service.
const (
	RoleWorker = "worker"
	RoleUser   = "user"
	RoleAdmin  = "admin"
)

// Caller is the authenticated identity attached to every request.
type Caller struct {
	ID   string
	Role string
}

// IsWorker returns true if the caller has the worker role.
func (c *Caller) IsWorker() bool { return c != nil && c.Role == RoleWorker }

// IsAdmin returns true if the caller has the admin role.
func (c *Caller) IsAdmin() bool { return c != nil && c.Role == RoleAdmin }

// DeckSnapshot is a deck captured at job creation time. Later mutations of
// the deck source never affect an in-flight job.
type DeckSnapshot struct {
	Name string
	Body string
}

// Job is one user-submitted batch of simulations against a fixed four-deck
// matchup.
type Job struct {
	ID string

	// DeckIDs are the four deck identifiers, in matchup order.
	DeckIDs []string

	// DeckSnapshot holds the resolved decks, same order as DeckIDs.
	DeckSnapshot []*DeckSnapshot

	// RequestedSims is the number of games the user asked for.
	RequestedSims int

	// GamesPerContainer is the batching factor G captured at creation.
	GamesPerContainer int

	// TotalSimCount is ceil(RequestedSims/GamesPerContainer), fixed at
	// creation.
	TotalSimCount int

	// CompletedSimCount only ever increases and never exceeds
	// TotalSimCount. Incremented exactly once per simulation, on its
	// terminal transition.
	CompletedSimCount int

	Status string

	CreatedAt   time.Time
	ClaimedAt   *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	WorkerID   string
	WorkerName string

	ErrorMessage string

	// RetryCount tracks how many recovery passes have requeued work for
	// this job.
	RetryCount int

	// ContainerDurationsMs is filled in during aggregation from the
	// terminal simulation records.
	ContainerDurationsMs []int64

	IdempotencyKey string

	// PayloadHash fingerprints the create request so a reused idempotency
	// key with a different payload can be rejected.
	PayloadHash uint64

	CreatedBy string

	// ModifyIndex is bumped on every write for stream consumers.
	ModifyIndex uint64
}

// Copy returns a deep copy of the job. State store records are immutable
// once inserted, so every mutation goes through a copy.
func (j *Job) Copy() *Job {
	if j == nil {
		return nil
	}
	nj := new(Job)
	*nj = *j
	nj.DeckIDs = append([]string(nil), j.DeckIDs...)
	if j.DeckSnapshot != nil {
		nj.DeckSnapshot = make([]*DeckSnapshot, len(j.DeckSnapshot))
		for i, d := range j.DeckSnapshot {
			cd := *d
			nj.DeckSnapshot[i] = &cd
		}
	}
	nj.ContainerDurationsMs = append([]int64(nil), j.ContainerDurationsMs...)
	nj.ClaimedAt = copyTime(j.ClaimedAt)
	nj.StartedAt = copyTime(j.StartedAt)
	nj.CompletedAt = copyTime(j.CompletedAt)
	return nj
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	nt := *t
	return &nt
}

// DeckNames returns the snapshot deck names in matchup order.
func (j *Job) DeckNames() []string {
	names := make([]string, len(j.DeckSnapshot))
	for i, d := range j.DeckSnapshot {
		names[i] = d.Name
	}
	return names
}

// IsStuck reports whether the job's counter has saturated while the stored
// status is still RUNNING, meaning aggregation has not caught up yet.
func (j *Job) IsStuck() bool {
	return j.Status == JobStatusRunning &&
		j.TotalSimCount > 0 &&
		j.CompletedSimCount >= j.TotalSimCount
}

// EffectiveStatus is the status presented to clients: COMPLETED for a stuck
// job, the stored status otherwise.
func (j *Job) EffectiveStatus() string {
	if j.IsStuck() {
		return JobStatusCompleted
	}
	return j.Status
}

// Stub returns a compact summary for list responses.
func (j *Job) Stub() *JobListStub {
	return &JobListStub{
		ID:                j.ID,
		DeckNames:         j.DeckNames(),
		RequestedSims:     j.RequestedSims,
		TotalSimCount:     j.TotalSimCount,
		CompletedSimCount: j.CompletedSimCount,
		Status:            j.EffectiveStatus(),
		CreatedAt:         j.CreatedAt,
		CompletedAt:       j.CompletedAt,
		WorkerName:        j.WorkerName,
		ErrorMessage:      j.ErrorMessage,
		CreatedBy:         j.CreatedBy,
	}
}

// JobListStub is the job summary returned by list endpoints. Status carries
// the effective status, not the raw stored one.
type JobListStub struct {
	ID                string
	DeckNames         []string
	RequestedSims     int
	TotalSimCount     int
	CompletedSimCount int
	Status            string
	CreatedAt         time.Time
	CompletedAt       *time.Time
	WorkerName        string
	ErrorMessage      string
	CreatedBy         string
}

// TotalSimCountFor computes ceil(requested/gamesPerContainer).
func TotalSimCountFor(requested, gamesPerContainer int) int {
	if gamesPerContainer <= 0 {
		gamesPerContainer = DefaultGamesPerContainer
	}
	return (requested + gamesPerContainer - 1) / gamesPerContainer
}

// SimulationID formats the canonical sim identifier for an index,
// e.g. index 0 -> "sim_000".
func SimulationID(index int) string {
	return fmt.Sprintf("sim_%03d", index)
}

// Simulation is one container execution, child of a job.
type Simulation struct {
	JobID string

	// ID is the canonical "sim_NNN" identifier.
	ID string

	// Index is the 0-based position within the job's fan-out.
	Index int

	State string

	WorkerID   string
	WorkerName string

	StartedAt   *time.Time
	CompletedAt *time.Time

	DurationMs int64

	ErrorMessage string

	// Winners holds the winning deck name of each game in the container.
	Winners []string

	// WinningTurns holds the turn each game ended on, same order as
	// Winners.
	WinningTurns []int

	ModifyIndex uint64
}

// Copy returns a deep copy of the simulation.
func (s *Simulation) Copy() *Simulation {
	if s == nil {
		return nil
	}
	ns := new(Simulation)
	*ns = *s
	ns.StartedAt = copyTime(s.StartedAt)
	ns.CompletedAt = copyTime(s.CompletedAt)
	ns.Winners = append([]string(nil), s.Winners...)
	ns.WinningTurns = append([]int(nil), s.WinningTurns...)
	return ns
}

// Status returns the client-facing view of the simulation.
func (s *Simulation) Status() *SimulationStatus {
	return &SimulationStatus{
		ID:           s.ID,
		Index:        s.Index,
		State:        s.State,
		WorkerID:     s.WorkerID,
		WorkerName:   s.WorkerName,
		StartedAt:    copyTime(s.StartedAt),
		CompletedAt:  copyTime(s.CompletedAt),
		DurationMs:   s.DurationMs,
		ErrorMessage: s.ErrorMessage,
		Winners:      append([]string(nil), s.Winners...),
		WinningTurns: append([]int(nil), s.WinningTurns...),
	}
}

// SimulationStatus is the external view of a simulation, used in API
// responses and progress events.
type SimulationStatus struct {
	ID           string
	Index        int
	State        string
	WorkerID     string
	WorkerName   string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	DurationMs   int64
	ErrorMessage string
	Winners      []string
	WinningTurns []int
}

// SimulationPatch is a partial update applied to a simulation by a worker
// report. Nil / zero fields are left untouched.
type SimulationPatch struct {
	State        string
	WorkerID     string
	WorkerName   string
	DurationMs   *int64
	ErrorMessage string
	Winners      []string
	WinningTurns []int
}

// Apply writes the patch onto a simulation copy.
func (p *SimulationPatch) Apply(sim *Simulation) {
	if p.State != "" {
		sim.State = p.State
	}
	if p.WorkerID != "" {
		sim.WorkerID = p.WorkerID
	}
	if p.WorkerName != "" {
		sim.WorkerName = p.WorkerName
	}
	if p.DurationMs != nil {
		sim.DurationMs = *p.DurationMs
	}
	if p.ErrorMessage != "" {
		sim.ErrorMessage = p.ErrorMessage
	}
	if p.Winners != nil {
		sim.Winners = append([]string(nil), p.Winners...)
	}
	if p.WinningTurns != nil {
		sim.WinningTurns = append([]int(nil), p.WinningTurns...)
	}
}

// SimulationTask is the message fanned out on the task broker, one per
// simulation. Delivery is at-least-once and unordered.
type SimulationTask struct {
	JobID     string
	SimID     string
	SimIndex  int
	TotalSims int
}

// Key uniquely identifies a task on the broker.
func (t *SimulationTask) Key() string {
	return t.JobID + "/" + t.SimID
}

// WorkerInfo is a worker registration, refreshed by heartbeats.
type WorkerInfo struct {
	ID                    string
	Name                  string
	Status                string
	Capacity              int
	ActiveSimulations     int
	LastHeartbeat         time.Time
	WorkerAPIURL          string
	MaxConcurrentOverride *int
	OwnerEmail            string

	ModifyIndex uint64
}

// Copy returns a deep copy of the worker record.
func (w *WorkerInfo) Copy() *WorkerInfo {
	if w == nil {
		return nil
	}
	nw := new(WorkerInfo)
	*nw = *w
	if w.MaxConcurrentOverride != nil {
		v := *w.MaxConcurrentOverride
		nw.MaxConcurrentOverride = &v
	}
	return nw
}

// Active reports whether the worker heartbeated within the TTL.
func (w *WorkerInfo) Active(ttl time.Duration, now time.Time) bool {
	return now.Sub(w.LastHeartbeat) < ttl
}

// IdempotencyRecord maps a client-chosen key to the job it created. It is
// written in the same transaction as the job.
type IdempotencyRecord struct {
	Key         string
	JobID       string
	PayloadHash uint64
	CreatedAt   time.Time
}

// GameResult is one structured game outcome read back from the log store
// during aggregation.
type GameResult struct {
	SimID       string
	Winner      string
	WinningTurn int
}
