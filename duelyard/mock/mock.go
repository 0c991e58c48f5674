// Package mock provides in-memory implementations of the core's external
// collaborators plus record fixtures for tests and dev mode.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/yardworks/duelyard/duelyard/structs"
)

// Job returns a minimal queued job fixture.
func Job() *structs.Job {
	return &structs.Job{
		ID:      "job-" + fmt.Sprintf("%d", time.Now().UnixNano()),
		DeckIDs: []string{"deck-a", "deck-b", "deck-c", "deck-d"},
		DeckSnapshot: []*structs.DeckSnapshot{
			{Name: "Aggro Goblins", Body: "4 Goblin Raider\n..."},
			{Name: "Blue Control", Body: "4 Counterspell\n..."},
			{Name: "Midrange Value", Body: "4 Hill Giant\n..."},
			{Name: "Combo Storm", Body: "4 Ritual\n..."},
		},
		RequestedSims:     12,
		GamesPerContainer: structs.DefaultGamesPerContainer,
		TotalSimCount:     3,
		Status:            structs.JobStatusQueued,
		CreatedAt:         time.Now(),
		CreatedBy:         "user-test",
	}
}

// Worker returns a live worker fixture.
func Worker() *structs.WorkerInfo {
	return &structs.WorkerInfo{
		ID:            "worker-" + fmt.Sprintf("%d", time.Now().UnixNano()),
		Name:          "bench-worker",
		Status:        structs.WorkerStatusIdle,
		Capacity:      4,
		LastHeartbeat: time.Now(),
		OwnerEmail:    "owner@example.com",
	}
}

// DeckStore resolves decks from a static map.
type DeckStore struct {
	mu    sync.RWMutex
	decks map[string]*structs.DeckSnapshot
}

// NewDeckStore creates a store with four standard decks registered.
func NewDeckStore() *DeckStore {
	return &DeckStore{decks: map[string]*structs.DeckSnapshot{
		"deck-a": {Name: "Aggro Goblins", Body: "4 Goblin Raider"},
		"deck-b": {Name: "Blue Control", Body: "4 Counterspell"},
		"deck-c": {Name: "Midrange Value", Body: "4 Hill Giant"},
		"deck-d": {Name: "Combo Storm", Body: "4 Ritual"},
	}}
}

// Register adds or replaces a deck.
func (d *DeckStore) Register(id string, deck *structs.DeckSnapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.decks[id] = deck
}

func (d *DeckStore) Resolve(_ context.Context, deckID string) (*structs.DeckSnapshot, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	deck, ok := d.decks[deckID]
	if !ok {
		return nil, fmt.Errorf("unknown deck %q", deckID)
	}
	cp := *deck
	return &cp, nil
}

// LogStore keeps structured game results in memory, keyed by job.
type LogStore struct {
	mu      sync.RWMutex
	raw     map[string][]byte
	results map[string][]*structs.GameResult
}

func NewLogStore() *LogStore {
	return &LogStore{
		raw:     make(map[string][]byte),
		results: make(map[string][]*structs.GameResult),
	}
}

func (l *LogStore) Ingest(_ context.Context, jobID, simID string, raw []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.raw[jobID+"/"+simID] = append([]byte(nil), raw...)
	return nil
}

// AddResults seeds structured results for a job, the way a worker's log
// upload would after parsing.
func (l *LogStore) AddResults(jobID string, games ...*structs.GameResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results[jobID] = append(l.results[jobID], games...)
}

func (l *LogStore) Structured(_ context.Context, jobID string, _ []string) ([]*structs.GameResult, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]*structs.GameResult(nil), l.results[jobID]...), nil
}

// RatingEngine records every Process call.
type RatingEngine struct {
	mu    sync.Mutex
	store *RatingStore

	// Err, when set, is returned by Process to simulate invalid data.
	Err error

	calls []RatingCall
}

// RatingCall captures one Process invocation.
type RatingCall struct {
	JobID   string
	DeckIDs []string
	Games   []*structs.GameResult
}

// NewRatingEngine creates an engine that marks jobs as rated in store on
// success.
func NewRatingEngine(store *RatingStore) *RatingEngine {
	return &RatingEngine{store: store}
}

func (r *RatingEngine) Process(_ context.Context, jobID string, deckIDs []string, games []*structs.GameResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.calls = append(r.calls, RatingCall{
		JobID:   jobID,
		DeckIDs: append([]string(nil), deckIDs...),
		Games:   games,
	})
	if r.store != nil {
		r.store.MarkRated(jobID)
	}
	return nil
}

// Calls returns a copy of the recorded invocations.
func (r *RatingEngine) Calls() []RatingCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RatingCall(nil), r.calls...)
}

// CallsFor counts Process invocations for one job.
func (r *RatingEngine) CallsFor(jobID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.JobID == jobID {
			n++
		}
	}
	return n
}

// RatingStore tracks which jobs have rated results.
type RatingStore struct {
	mu    sync.RWMutex
	rated map[string]bool
}

func NewRatingStore() *RatingStore {
	return &RatingStore{rated: make(map[string]bool)}
}

func (r *RatingStore) MarkRated(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rated[jobID] = true
}

func (r *RatingStore) HasResultsForJob(_ context.Context, jobID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rated[jobID], nil
}
