package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"stress-sentry/internal/telemetry"
	"stress-sentry/internal/util"
)

// Record describes one running simulation. Records are immutable once
// registered; stopping a simulation removes its record.
type Record struct {
	ID         string         `json:"id"`
	Kind       telemetry.Kind `json:"kind"`
	StartedAt  time.Time      `json:"startedAt"`
	Parameters Parameters     `json:"parameters"`

	handle *Handle
}

func (r *Record) clone() Record {
	c := *r
	c.Parameters = append(Parameters(nil), r.Parameters...)
	return c
}

// Handle returns the record's cancellation handle.
func (r Record) Handle() *Handle {
	return r.handle
}

// LifecycleObserver is notified when simulations enter and leave the registry.
// PublishSimulationStarted runs under the registry lock and must not call
// back into the registry.
type LifecycleObserver interface {
	PublishSimulationStarted(kind telemetry.Kind, id string)
	PublishSimulationCompleted(kind telemetry.Kind, id string)
}

// Registry is the concurrent store of active simulations.
type Registry struct {
	mu       sync.RWMutex
	records  map[string]*Record
	clock    util.Clock
	observer LifecycleObserver
}

// New creates an empty registry. observer may be nil.
func New(clock util.Clock, observer LifecycleObserver) *Registry {
	if clock == nil {
		clock = &util.DefaultClock{}
	}
	return &Registry{
		records:  make(map[string]*Record),
		clock:    clock,
		observer: observer,
	}
}

// Register stores a new record under a freshly generated id.
func (r *Registry) Register(kind telemetry.Kind, params Parameters, handle *Handle) string {
	for {
		id, ok := r.RegisterWithID(uuid.NewString(), kind, params, handle)
		if ok {
			return id
		}
	}
}

// RegisterWithID stores a record under an explicit id. If the id is already
// registered the existing record is kept and false is returned.
func (r *Registry) RegisterWithID(id string, kind telemetry.Kind, params Parameters, handle *Handle) (string, bool) {
	rec := &Record{
		ID:         id,
		Kind:       kind,
		StartedAt:  r.clock.Now().UTC(),
		Parameters: append(Parameters(nil), params...),
		handle:     handle,
	}

	r.mu.Lock()
	if _, exists := r.records[id]; exists {
		r.mu.Unlock()
		return id, false
	}
	r.records[id] = rec
	// started is published under the lock so that no remover can publish
	// completed for this id first
	if r.observer != nil {
		r.observer.PublishSimulationStarted(kind, id)
	}
	r.mu.Unlock()
	return id, true
}

// Unregister removes the record if present and reports whether it was.
func (r *Registry) Unregister(id string) bool {
	rec, ok := r.remove(id)
	if !ok {
		return false
	}
	r.completed(rec)
	return true
}

// Cancel signals cancellation on a single simulation and removes it.
func (r *Registry) Cancel(id string) bool {
	rec, ok := r.remove(id)
	if !ok {
		return false
	}
	if rec.handle != nil {
		rec.handle.Cancel()
	}
	r.completed(rec)
	return true
}

// TryGet returns a copy of the record with the given id.
func (r *Registry) TryGet(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// Enumerate returns a point-in-time copy of all records ordered by start time.
func (r *Registry) Enumerate() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

func (r *Registry) CountByKind(kind telemetry.Kind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, rec := range r.records {
		if rec.Kind == kind {
			n++
		}
	}
	return n
}

// CancelAll signals every currently registered handle and removes all
// records, returning how many were cancelled. Records registered after the
// swap are left in place.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	swapped := r.records
	r.records = make(map[string]*Record)
	r.mu.Unlock()

	for _, rec := range swapped {
		if rec.handle != nil {
			rec.handle.Cancel()
		}
		r.completed(rec)
	}
	return len(swapped)
}

func (r *Registry) remove(id string) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if ok {
		delete(r.records, id)
	}
	return rec, ok
}

func (r *Registry) completed(rec *Record) {
	if r.observer != nil {
		r.observer.PublishSimulationCompleted(rec.Kind, rec.ID)
	}
}
