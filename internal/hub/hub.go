package hub

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"stress-sentry/internal/telemetry"
)

// MessageType tags what a Message carries.
type MessageType string

const (
	TypeMetrics             MessageType = "metrics"
	TypeLatency             MessageType = "latency"
	TypeSimulationStarted   MessageType = MessageType(telemetry.EventSimulationStarted)
	TypeSimulationCompleted MessageType = MessageType(telemetry.EventSimulationCompleted)
)

// Message is one item delivered to observers. Exactly one payload is set.
type Message struct {
	Type       MessageType
	Metrics    *telemetry.MetricsSnapshot
	Latency    *telemetry.LatencySample
	Simulation *telemetry.SimulationEvent
}

func (m Message) MarshalJSON() ([]byte, error) {
	var data any
	switch {
	case m.Metrics != nil:
		data = m.Metrics
	case m.Latency != nil:
		data = m.Latency
	case m.Simulation != nil:
		data = m.Simulation
	}
	return json.Marshal(struct {
		Type MessageType `json:"type"`
		Data any         `json:"data"`
	}{Type: m.Type, Data: data})
}

// Subscription is one observer's bounded, ordered message stream.
type Subscription struct {
	ch      chan Message
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

// C delivers messages in publish order. It is never closed; select on Done
// to learn that the subscription ended.
func (s *Subscription) C() <-chan Message {
	return s.ch
}

func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Dropped counts messages discarded because this observer fell behind.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// offer enqueues m without blocking, discarding the oldest queued message
// when the buffer is full.
func (s *Subscription) offer(m Message) {
	for {
		select {
		case <-s.done:
			return
		default:
		}
		select {
		case s.ch <- m:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

// Hub fans messages out to every subscriber. Publishing never takes a lock
// and never waits on a subscriber.
type Hub struct {
	bufferSize int
	state      atomic.Pointer[hubState]
	mu         sync.Mutex // serializes subscribe/unsubscribe
	now        func() time.Time
}

// hubState pairs the subscriber list with the latest snapshot so that a
// subscriber joins at a well defined point in the snapshot sequence.
type hubState struct {
	subs   []*Subscription
	latest *telemetry.MetricsSnapshot
}

func New(bufferSize int) *Hub {
	if bufferSize < 1 {
		bufferSize = 1
	}
	h := &Hub{bufferSize: bufferSize, now: time.Now}
	h.state.Store(&hubState{subs: []*Subscription{}})
	return h
}

// Subscribe registers a new observer. If a snapshot has been published it is
// queued first, so the observer never starts blank.
func (h *Hub) Subscribe() *Subscription {
	s := &Subscription{
		ch:   make(chan Message, h.bufferSize),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for {
		cur := h.state.Load()
		// s is not visible to publishers yet, so the replay is its only writer
		if cur.latest != nil {
			s.offer(Message{Type: TypeMetrics, Metrics: cur.latest})
		}
		next := &hubState{subs: withSubscriber(cur.subs, s), latest: cur.latest}
		if h.state.CompareAndSwap(cur, next) {
			return s
		}
		// a snapshot landed in between; replay it instead
		for len(s.ch) > 0 {
			<-s.ch
		}
	}
}

func withSubscriber(old []*Subscription, s *Subscription) []*Subscription {
	next := make([]*Subscription, len(old), len(old)+1)
	copy(next, old)
	return append(next, s)
}

func (h *Hub) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	h.mu.Lock()
	for {
		cur := h.state.Load()
		next := &hubState{subs: make([]*Subscription, 0, len(cur.subs)), latest: cur.latest}
		for _, existing := range cur.subs {
			if existing != s {
				next.subs = append(next.subs, existing)
			}
		}
		if h.state.CompareAndSwap(cur, next) {
			break
		}
	}
	h.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

// Consume subscribes and calls fn for every message until ctx is done.
func (h *Hub) Consume(ctx context.Context, fn func(Message)) {
	sub := h.Subscribe()
	defer h.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-sub.C():
			fn(m)
		}
	}
}

// Subscribers returns the number of live observers.
func (h *Hub) Subscribers() int {
	return len(h.state.Load().subs)
}

// Latest returns the most recently published snapshot.
func (h *Hub) Latest() (telemetry.MetricsSnapshot, bool) {
	snap := h.state.Load().latest
	if snap == nil {
		return telemetry.MetricsSnapshot{}, false
	}
	return *snap, true
}

func (h *Hub) PublishMetrics(snapshot telemetry.MetricsSnapshot) {
	snap := &snapshot
	for {
		cur := h.state.Load()
		if h.state.CompareAndSwap(cur, &hubState{subs: cur.subs, latest: snap}) {
			deliver(cur.subs, Message{Type: TypeMetrics, Metrics: snap})
			return
		}
	}
}

func (h *Hub) PublishLatency(sample telemetry.LatencySample) {
	h.broadcast(Message{Type: TypeLatency, Latency: &sample})
}

func (h *Hub) PublishSimulationStarted(kind telemetry.Kind, id string) {
	h.publishSimulation(telemetry.EventSimulationStarted, kind, id)
}

func (h *Hub) PublishSimulationCompleted(kind telemetry.Kind, id string) {
	h.publishSimulation(telemetry.EventSimulationCompleted, kind, id)
}

func (h *Hub) publishSimulation(t telemetry.EventType, kind telemetry.Kind, id string) {
	ev := &telemetry.SimulationEvent{Type: t, ID: id, Kind: kind, Timestamp: h.now().UTC()}
	h.broadcast(Message{Type: MessageType(t), Simulation: ev})
}

func (h *Hub) broadcast(m Message) {
	deliver(h.state.Load().subs, m)
}

func deliver(subs []*Subscription, m Message) {
	for _, s := range subs {
		s.offer(m)
	}
}
