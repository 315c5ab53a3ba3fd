package simulation

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"stress-sentry/internal/registry"
	"stress-sentry/internal/telemetry"
	"stress-sentry/internal/util"
)

const bytesPerMB = 1024 * 1024

// Simulation is one deliberately induced resource-pressure operation. Run
// must return promptly once ctx is done.
type Simulation interface {
	Kind() telemetry.Kind
	Parameters() registry.Parameters
	Run(ctx context.Context) error
}

type memoryHolder interface {
	HeldBytes() int64
}

// Launcher starts simulations in the background, keeping the registry in
// step with their lifecycle.
type Launcher struct {
	parent   context.Context
	registry *registry.Registry
	clock    util.Clock

	mu      sync.Mutex
	running map[string]Simulation
	wg      sync.WaitGroup
	log     *log.Entry
}

// NewLauncher creates a launcher whose simulations all derive from parent.
func NewLauncher(parent context.Context, reg *registry.Registry) *Launcher {
	return &Launcher{
		parent:   parent,
		registry: reg,
		clock:    &util.DefaultClock{},
		running:  make(map[string]Simulation),
		log:      log.WithField("component", "simulation"),
	}
}

// Start registers sim and runs it on its own goroutine. The record is removed
// from the registry when Run returns, whatever the reason.
func (l *Launcher) Start(sim Simulation) registry.Record {
	handle := registry.NewHandle(l.parent)
	id := l.registry.Register(sim.Kind(), sim.Parameters(), handle)

	l.mu.Lock()
	l.running[id] = sim
	l.mu.Unlock()

	rec, ok := l.registry.TryGet(id)
	if !ok {
		// cancelled before we could read it back
		rec = registry.Record{ID: id, Kind: sim.Kind(), StartedAt: l.clock.Now().UTC(), Parameters: sim.Parameters()}
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.finish(id, handle)

		entry := l.log.WithFields(log.Fields{"id": id, "kind": sim.Kind()})
		entry.Infof("started %v", sim.Parameters())
		if err := l.run(handle.Context(), sim); err != nil {
			entry.Errorf("failed: %v", err)
			return
		}
		entry.Info("finished")
	}()
	return rec
}

func (l *Launcher) run(ctx context.Context, sim Simulation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("simulation panicked: %v", r)
		}
	}()
	return sim.Run(ctx)
}

func (l *Launcher) finish(id string, handle *registry.Handle) {
	l.mu.Lock()
	delete(l.running, id)
	l.mu.Unlock()
	l.registry.Unregister(id)
	handle.Cancel()
}

// HeldBytes is the memory currently held by running memory simulations.
func (l *Launcher) HeldBytes() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total int64
	for _, sim := range l.running {
		if h, ok := sim.(memoryHolder); ok {
			total += h.HeldBytes()
		}
	}
	return total
}

// Wait blocks until every started simulation has returned.
func (l *Launcher) Wait() {
	l.wg.Wait()
}
