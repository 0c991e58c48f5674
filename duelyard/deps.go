// Package duelyard implements the job lifecycle and per-simulation
// scheduling core: job creation with idempotency, sim fan-out, worker
// progress reporting, terminal aggregation into the rating store, stale-job
// recovery and cancellation.
package duelyard

import (
	"context"

	"github.com/yardworks/duelyard/duelyard/structs"
)

// DeckStore resolves deck identifiers to their snapshot at job creation
// time. Deck content management is outside the core.
type DeckStore interface {
	Resolve(ctx context.Context, deckID string) (*structs.DeckSnapshot, error)
}

// LogStore receives raw game logs from workers and serves them back in
// structured form for aggregation.
type LogStore interface {
	Ingest(ctx context.Context, jobID, simID string, raw []byte) error

	// Structured returns the per-game outcomes recorded for a job,
	// resolved against the job's snapshot deck names.
	Structured(ctx context.Context, jobID string, deckNames []string) ([]*structs.GameResult, error)
}

// RatingEngine updates the persistent rating model from aggregated game
// outcomes. The mathematics are not the core's business.
type RatingEngine interface {
	Process(ctx context.Context, jobID string, deckIDs []string, games []*structs.GameResult) error
}

// RatingStore answers whether a job's results have already been folded into
// the rating model. This is the distributed idempotency guard behind the
// aggregator's process-local one.
type RatingStore interface {
	HasResultsForJob(ctx context.Context, jobID string) (bool, error)
}
