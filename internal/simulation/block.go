package simulation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stress-sentry/internal/config"
	"stress-sentry/internal/registry"
	"stress-sentry/internal/telemetry"
	"stress-sentry/internal/worker"
)

const DefaultBlockDuration = 30 * time.Second

type Submitter interface {
	Submit(ctx context.Context, fn func()) error
	Stats() worker.Stats
}

// SchedulerBlock occupies pool workers with jobs that do nothing but wait,
// so requests admitted through the same pool queue up behind them.
type SchedulerBlock struct {
	duration time.Duration
	workers  int
	pool     Submitter
}

// NewSchedulerBlock builds a SchedulerBlock simulation. A non-positive
// worker count blocks every worker in the pool.
func NewSchedulerBlock(durationSeconds, workers int, pool Submitter, limits config.Limits) *SchedulerBlock {
	duration := time.Duration(durationSeconds) * time.Second
	if duration <= 0 {
		duration = DefaultBlockDuration
	}
	if workers <= 0 {
		workers = pool.Stats().Workers
	}
	return &SchedulerBlock{
		duration: config.ClampDuration(duration, limits.BlockMaxDuration),
		workers:  config.ClampInt(workers, limits.BlockMaxWorkers),
		pool:     pool,
	}
}

func (b *SchedulerBlock) Kind() telemetry.Kind { return telemetry.KindSchedulerBlock }

func (b *SchedulerBlock) Parameters() registry.Parameters {
	return registry.Parameters{
		{Key: "durationSeconds", Value: int(b.duration / time.Second)},
		{Key: "workers", Value: b.workers},
	}
}

// Run returns once the duration elapses or ctx is done. Jobs still queued
// at that point return as soon as a worker picks them up.
func (b *SchedulerBlock) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.duration)
	defer cancel()

	for i := 0; i < b.workers; i++ {
		err := b.pool.Submit(ctx, func() { <-ctx.Done() })
		if errors.Is(err, worker.ErrPoolStopped) {
			return fmt.Errorf("submitting blocking job %d of %d: %w", i+1, b.workers, err)
		}
		if err != nil {
			break
		}
	}
	<-ctx.Done()
	return nil
}
