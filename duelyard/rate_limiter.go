package duelyard

import (
	"context"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/sethvargo/go-limiter"
	"github.com/sethvargo/go-limiter/memorystore"

	"github.com/yardworks/duelyard/duelyard/structs"
)

// simRateLimiter enforces the per-caller creation budget, counted in
// requested sims rather than requests, over a sliding one minute window.
type simRateLimiter struct {
	store limiter.Store
}

func newSimRateLimiter(shutdownCtx context.Context, simsPerMinute int) *simRateLimiter {
	// note: the memorystore implementation never returns an error
	store, _ := memorystore.New(&memorystore.Config{
		Tokens:        uint64(simsPerMinute),
		Interval:      time.Minute,
		SweepInterval: time.Hour, // how often to clean up stale entries
		SweepMinTTL:   time.Hour, // how stale entries need to be to clean up
	})

	rl := &simRateLimiter{store: store}
	go func() {
		<-shutdownCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = store.Close(ctx)
	}()
	return rl
}

// check takes sims tokens from the caller's bucket and returns
// ErrTooManyRequests once the budget is exhausted. A rejected request
// refunds the tokens it already took, so an oversized request cannot
// starve later requests that still fit the window.
func (r *simRateLimiter) check(ctx context.Context, callerID string, sims int) error {
	for i := 0; i < sims; i++ {
		tokens, remaining, _, ok, err := r.store.Take(ctx, callerID)
		if err != nil && err != limiter.ErrStopped {
			return err
		}
		if !ok {
			if i > 0 {
				if berr := r.store.Burst(ctx, callerID, uint64(i)); berr != nil && berr != limiter.ErrStopped {
					return berr
				}
			}
			metrics.IncrCounterWithLabels(
				[]string{"duelyard", "scheduler", "create", "limited"}, 1,
				[]metrics.Label{{Name: "caller", Value: callerID}})
			return structs.ErrTooManyRequests
		}
		used := tokens - remaining
		metrics.AddSampleWithLabels(
			[]string{"duelyard", "scheduler", "create", "used"}, float32(used),
			[]metrics.Label{{Name: "caller", Value: callerID}})
	}
	return nil
}
