package simulation

import (
	"context"
	"os"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"stress-sentry/internal/config"
	"stress-sentry/internal/registry"
	"stress-sentry/internal/telemetry"
)

const DefaultMemoryMegabytes = 256

// Memory allocates and holds a block of memory, touching every page so it
// counts toward the resident set.
type Memory struct {
	megabytes int
	hold      time.Duration
	held      atomic.Int64
}

// NewMemory builds a Memory simulation. A zero hold keeps the memory until
// cancellation, unless limits cap the hold time.
func NewMemory(sizeMegabytes, holdSeconds int, limits config.Limits) *Memory {
	if sizeMegabytes <= 0 {
		sizeMegabytes = DefaultMemoryMegabytes
	}
	hold := time.Duration(holdSeconds) * time.Second
	if hold < 0 {
		hold = 0
	}
	if hold == 0 && limits.MemoryMaxHold > 0 {
		hold = limits.MemoryMaxHold
	}
	return &Memory{
		megabytes: config.ClampInt(sizeMegabytes, limits.MemoryMaxMegabytes),
		hold:      config.ClampDuration(hold, limits.MemoryMaxHold),
	}
}

func (m *Memory) Kind() telemetry.Kind { return telemetry.KindMemory }

func (m *Memory) Parameters() registry.Parameters {
	return registry.Parameters{
		{Key: "sizeMegabytes", Value: m.megabytes},
		{Key: "holdSeconds", Value: int(m.hold / time.Second)},
	}
}

// HeldBytes is how much memory the simulation currently holds.
func (m *Memory) HeldBytes() int64 {
	return m.held.Load()
}

func (m *Memory) Run(ctx context.Context) error {
	page := os.Getpagesize()
	chunks := make([][]byte, 0, m.megabytes)
	for i := 0; i < m.megabytes && ctx.Err() == nil; i++ {
		chunk := make([]byte, bytesPerMB)
		for j := 0; j < len(chunk); j += page {
			chunk[j] = 1
		}
		chunks = append(chunks, chunk)
		m.held.Add(bytesPerMB)
	}

	if m.hold > 0 {
		timer := time.NewTimer(m.hold)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	} else {
		<-ctx.Done()
	}

	runtime.KeepAlive(chunks)
	m.held.Store(0)
	// forces a collection and returns the freed pages to the OS
	debug.FreeOSMemory()
	return nil
}
