package simulation

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"stress-sentry/internal/config"
	"stress-sentry/internal/registry"
	"stress-sentry/internal/telemetry"
)

const DefaultCPUDuration = 30 * time.Second

// pollEvery is how many spin iterations pass between cancellation checks.
const pollEvery = 1024

// CPU saturates cores with busy-spinning goroutines.
type CPU struct {
	duration   time.Duration
	goroutines int
}

// NewCPU builds a CPU simulation. A non-positive goroutine count means one
// per logical core.
func NewCPU(durationSeconds, goroutines int, limits config.Limits) *CPU {
	duration := time.Duration(durationSeconds) * time.Second
	if duration <= 0 {
		duration = DefaultCPUDuration
	}
	if goroutines <= 0 {
		goroutines = runtime.NumCPU()
	}
	return &CPU{
		duration:   config.ClampDuration(duration, limits.CPUMaxDuration),
		goroutines: config.ClampInt(goroutines, limits.CPUMaxGoroutines),
	}
}

func (c *CPU) Kind() telemetry.Kind { return telemetry.KindCPU }

func (c *CPU) Parameters() registry.Parameters {
	return registry.Parameters{
		{Key: "durationSeconds", Value: int(c.duration / time.Second)},
		{Key: "goroutines", Value: c.goroutines},
	}
}

func (c *CPU) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.duration)
	defer cancel()

	var sink atomic.Uint64
	var wg sync.WaitGroup
	for i := 0; i < c.goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink.Add(spin(ctx))
		}()
	}
	wg.Wait()
	return nil
}

func spin(ctx context.Context) uint64 {
	var x uint64 = 1
	for i := 0; ; i++ {
		if i%pollEvery == 0 && ctx.Err() != nil {
			return x
		}
		x = x*6364136223846793005 + 1442695040888963407
	}
}
