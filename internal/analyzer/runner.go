package analyzer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// runner drives one pass function on its own timer. The first pass runs
// immediately; passes never overlap.
type runner struct {
	name     string
	interval time.Duration
	pass     func(ctx context.Context) error
	logger   zerolog.Logger
	now      func() time.Time

	started   atomic.Bool
	startedAt atomic.Int64
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
}

func (r *runner) start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started.Load() {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.started.Store(true)
	r.startedAt.Store(r.now().UnixNano())

	r.logger.Info().Dur("interval", r.interval).Msgf("Starting %s", r.name)

	r.wg.Add(1)
	go r.loop(ctx)
}

func (r *runner) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if err := r.pass(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error().Err(err).Msgf("%s pass failed", r.name)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *runner) stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started.Load() {
		return nil
	}
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		r.logger.Info().Msgf("Stopped %s", r.name)
	case <-ctx.Done():
		r.logger.Warn().Msgf("Timeout waiting for %s to stop", r.name)
		err = ctx.Err()
	}
	r.started.Store(false)
	return err
}

func (r *runner) running() bool {
	return r.started.Load()
}

func (r *runner) since() time.Time {
	return time.Unix(0, r.startedAt.Load())
}
