// Package governor implements the rate-paced request governor: a weighted
// semaphore bounding parallel outbound heavy calls, plus a last-extraction
// timestamp with randomized jitter enforcing a minimum inter-request gap
// within a single extractor. Its state is per-process, not shared cluster
// state.
package governor

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Governor paces outbound calls to a single upstream provider.
type Governor struct {
	sem *semaphore.Weighted

	mu   sync.Mutex
	last time.Time

	jitterMin, jitterMax         time.Duration
	batchDelayMin, batchDelayMax time.Duration

	rndMu sync.Mutex
	rnd   *rand.Rand
}

// New builds a Governor with concurrency parallel slots and the given
// jitter/batch-delay bounds (see internal/config.Config's
// GovernorConcurrency/ExtractJitterMin/Max/BatchDelayMin/Max).
func New(concurrency int64, jitterMin, jitterMax, batchDelayMin, batchDelayMax time.Duration) *Governor {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Governor{
		sem:           semaphore.NewWeighted(concurrency),
		jitterMin:     jitterMin,
		jitterMax:     jitterMax,
		batchDelayMin: batchDelayMin,
		batchDelayMax: batchDelayMax,
		rnd:           rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // pacing jitter, not security sensitive
	}
}

// Acquire blocks until a concurrency slot is free and the minimum
// inter-request gap (with jitter) since the last extraction has elapsed,
// then returns a release func the caller must call exactly once.
func (g *Governor) Acquire(ctx context.Context) (release func(), err error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	g.waitGap(ctx)
	released := false
	return func() {
		if released {
			return
		}
		released = true
		g.sem.Release(1)
	}, nil
}

// waitGap sleeps until now >= last + jitter, then stamps last to the time
// after sleeping, matching the original's elapsed/min_gap/sleep/restamp
// sequence exactly.
func (g *Governor) waitGap(ctx context.Context) {
	g.mu.Lock()
	now := time.Now()
	gap := g.randDuration(g.jitterMin, g.jitterMax)
	wait := g.last.Add(gap).Sub(now)
	g.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	g.mu.Lock()
	g.last = time.Now()
	g.mu.Unlock()
}

// BatchDelay sleeps a randomized inter-request delay in
// [batchDelayMin, batchDelayMax], for per-batch request fan-out that
// interleaves semaphore acquisition with a per-request randomized sleep.
func (g *Governor) BatchDelay(ctx context.Context) {
	d := g.randDuration(g.batchDelayMin, g.batchDelayMax)
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
	}
}

func (g *Governor) randDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	g.rndMu.Lock()
	defer g.rndMu.Unlock()
	delta := g.rnd.Int63n(int64(max - min))
	return min + time.Duration(delta)
}
