package simulation

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stress-sentry/internal/config"
	"stress-sentry/internal/registry"
	"stress-sentry/internal/telemetry"
	"stress-sentry/internal/worker"
)

func newPool(t *testing.T, workers int) *worker.Pool {
	t.Helper()
	pool := worker.NewPool(workers, 16)
	pool.Start()
	t.Cleanup(pool.Stop)
	return pool
}

func TestCPUClampsAndRecordsParameters(t *testing.T) {
	cpu := NewCPU(600, 64, config.Limits{CPUMaxDuration: time.Minute, CPUMaxGoroutines: 4})
	assert.Equal(t, telemetry.KindCPU, cpu.Kind())

	data, err := json.Marshal(cpu.Parameters())
	require.NoError(t, err)
	assert.Equal(t, `{"durationSeconds":60,"goroutines":4}`, string(data))

	unlimited := NewCPU(600, 0, config.Limits{})
	assert.Equal(t, 600, unlimited.Parameters().Int("durationSeconds", 0))
	assert.Equal(t, runtime.NumCPU(), unlimited.Parameters().Int("goroutines", 0))
}

func TestCPUStopsOnCancel(t *testing.T) {
	cpu := &CPU{duration: time.Hour, goroutines: 2}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- cpu.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("cpu simulation ignored cancellation")
	}
}

func TestCPURunsForDuration(t *testing.T) {
	cpu := &CPU{duration: 30 * time.Millisecond, goroutines: 1}
	start := time.Now()
	require.NoError(t, cpu.Run(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestMemoryHoldsUntilCancelled(t *testing.T) {
	mem := NewMemory(8, 0, config.Limits{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- mem.Run(ctx) }()

	assert.Eventually(t, func() bool { return mem.HeldBytes() == 8*bytesPerMB }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("memory simulation ignored cancellation")
	}
	assert.Zero(t, mem.HeldBytes())
}

func TestMemoryReleasesAfterHold(t *testing.T) {
	mem := &Memory{megabytes: 2, hold: 20 * time.Millisecond}
	require.NoError(t, mem.Run(context.Background()))
	assert.Zero(t, mem.HeldBytes())
}

func TestMemoryLimits(t *testing.T) {
	mem := NewMemory(10000, 0, config.Limits{MemoryMaxMegabytes: 512, MemoryMaxHold: 30 * time.Second})
	assert.Equal(t, 512, mem.Parameters().Int("sizeMegabytes", 0))
	assert.Equal(t, 30, mem.Parameters().Int("holdSeconds", -1), "unbounded hold is capped by the limit")

	mem = NewMemory(64, 0, config.Limits{})
	assert.Equal(t, 0, mem.Parameters().Int("holdSeconds", -1))
}

func TestSchedulerBlockOccupiesWorkers(t *testing.T) {
	pool := newPool(t, 3)
	block := NewSchedulerBlock(60, 0, pool, config.Limits{})
	assert.Equal(t, 3, block.Parameters().Int("workers", 0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- block.Run(ctx) }()

	assert.Eventually(t, func() bool { return pool.Stats().Busy == 3 }, time.Second, time.Millisecond)
	assert.Zero(t, pool.Stats().Available)

	cancel()
	require.NoError(t, <-done)
	assert.Eventually(t, func() bool { return pool.Stats().Busy == 0 }, time.Second, time.Millisecond)
}

func TestSchedulerBlockOnStoppedPool(t *testing.T) {
	pool := worker.NewPool(1, 1)
	pool.Start()
	pool.Stop()

	block := &SchedulerBlock{duration: time.Second, workers: 1, pool: pool}
	err := block.Run(context.Background())
	assert.True(t, errors.Is(err, worker.ErrPoolStopped))
}

type stubSim struct {
	kind  telemetry.Kind
	run   func(ctx context.Context) error
	bytes int64
}

func (s *stubSim) Kind() telemetry.Kind            { return s.kind }
func (s *stubSim) Parameters() registry.Parameters { return registry.Parameters{{Key: "n", Value: 1}} }
func (s *stubSim) Run(ctx context.Context) error   { return s.run(ctx) }
func (s *stubSim) HeldBytes() int64                { return s.bytes }

func untilCancelled(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func TestLauncherUnregistersOnCompletion(t *testing.T) {
	reg := registry.New(nil, nil)
	l := NewLauncher(context.Background(), reg)

	finish := make(chan struct{})
	rec := l.Start(&stubSim{kind: telemetry.KindCPU, run: func(context.Context) error { <-finish; return nil }})
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, telemetry.KindCPU, rec.Kind)

	_, ok := reg.TryGet(rec.ID)
	require.True(t, ok)

	close(finish)
	l.Wait()
	_, ok = reg.TryGet(rec.ID)
	assert.False(t, ok)
	assert.Zero(t, reg.Count())
}

func TestLauncherSurvivesFailingSimulations(t *testing.T) {
	reg := registry.New(nil, nil)
	l := NewLauncher(context.Background(), reg)

	l.Start(&stubSim{kind: telemetry.KindCPU, run: func(context.Context) error { return errors.New("boom") }})
	l.Start(&stubSim{kind: telemetry.KindMemory, run: func(context.Context) error { panic("worse") }})
	l.Wait()
	assert.Zero(t, reg.Count())
}

func TestIsolationUnderLoad(t *testing.T) {
	reg := registry.New(nil, nil)
	l := NewLauncher(context.Background(), reg)
	pool := newPool(t, 2)

	l.Start(&CPU{duration: time.Hour, goroutines: 1})
	l.Start(&Memory{megabytes: 4})
	l.Start(&SchedulerBlock{duration: time.Hour, workers: 1, pool: pool})

	for _, kind := range telemetry.Kinds {
		assert.Equal(t, 1, reg.CountByKind(kind), kind)
	}

	assert.Equal(t, 3, reg.CancelAll())
	assert.Empty(t, reg.Enumerate())

	waited := make(chan struct{})
	go func() {
		l.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("simulations did not stop after CancelAll")
	}
}

func TestLauncherHeldBytes(t *testing.T) {
	reg := registry.New(nil, nil)
	l := NewLauncher(context.Background(), reg)

	l.Start(&stubSim{kind: telemetry.KindMemory, run: untilCancelled, bytes: 3 * bytesPerMB})
	l.Start(&stubSim{kind: telemetry.KindMemory, run: untilCancelled, bytes: 5 * bytesPerMB})
	assert.Equal(t, int64(8*bytesPerMB), l.HeldBytes())

	reg.CancelAll()
	l.Wait()
	assert.Zero(t, l.HeldBytes())
}
