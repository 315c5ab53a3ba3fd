package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

var ErrPoolStopped = errors.New("worker pool stopped")

const (
	jobQueued int32 = iota
	jobRunning
	jobAbandoned
)

type job struct {
	run   func()
	state atomic.Int32
	done  chan struct{}
}

// Stats is a point-in-time view of pool occupancy.
type Stats struct {
	Workers   int `json:"workers"`
	Busy      int `json:"busy"`
	Available int `json:"available"`
	Queued    int `json:"queued"`
}

// Pool is the bounded set of workers that serves application requests and
// scheduler-blocking simulations. When every worker is busy, new work waits
// in JobQueue.
type Pool struct {
	JobQueue    chan *job
	WorkerCount int

	busy    atomic.Int64
	queued  atomic.Int64
	stopped chan struct{}
	stop    sync.Once
	wg      sync.WaitGroup
}

func NewPool(workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Pool{
		JobQueue:    make(chan *job, queueSize),
		WorkerCount: workers,
		stopped:     make(chan struct{}),
	}
}

func (p *Pool) Start() {
	for i := 0; i < p.WorkerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	log.WithField("component", "worker").Infof("Worker pool started with %d workers", p.WorkerCount)
}

// Stop stops accepting work and waits for running jobs to return. Jobs still
// queued are abandoned.
func (p *Pool) Stop() {
	p.stop.Do(func() { close(p.stopped) })
	p.wg.Wait()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopped:
			return
		case j := <-p.JobQueue:
			p.queued.Add(-1)
			if !j.state.CompareAndSwap(jobQueued, jobRunning) {
				// caller gave up while the job was queued
				continue
			}
			p.busy.Add(1)
			p.execute(id, j)
			p.busy.Add(-1)
		}
	}
}

func (p *Pool) execute(id int, j *job) {
	defer close(j.done)
	defer func() {
		if r := recover(); r != nil {
			log.WithField("component", "worker").Errorf("worker %d: job panicked: %v", id, r)
		}
	}()
	j.run()
}

// Submit queues fn without waiting for it to run. It blocks while the queue
// is full, until ctx is done or the pool stops.
func (p *Pool) Submit(ctx context.Context, fn func()) error {
	_, err := p.enqueue(ctx, fn)
	return err
}

// Do queues fn and waits for it to finish. If ctx ends while fn is still
// queued, fn is skipped and ctx.Err() is returned. Once a worker has picked
// fn up, Do always waits for it to return.
func (p *Pool) Do(ctx context.Context, fn func()) error {
	j, err := p.enqueue(ctx, fn)
	if err != nil {
		return err
	}
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		if j.state.CompareAndSwap(jobQueued, jobAbandoned) {
			return ctx.Err()
		}
		<-j.done
		return nil
	case <-p.stopped:
		if j.state.CompareAndSwap(jobQueued, jobAbandoned) {
			return ErrPoolStopped
		}
		<-j.done
		return nil
	}
}

func (p *Pool) enqueue(ctx context.Context, fn func()) (*job, error) {
	select {
	case <-p.stopped:
		return nil, ErrPoolStopped
	default:
	}
	j := &job{run: fn, done: make(chan struct{})}
	p.queued.Add(1)
	select {
	case p.JobQueue <- j:
		return j, nil
	case <-ctx.Done():
		p.queued.Add(-1)
		return nil, ctx.Err()
	case <-p.stopped:
		p.queued.Add(-1)
		return nil, ErrPoolStopped
	}
}

// Stats reports current occupancy. Queued counts work waiting for a worker,
// including callers blocked on a full queue.
func (p *Pool) Stats() Stats {
	busy := int(p.busy.Load())
	queued := int(p.queued.Load())
	if queued < 0 {
		queued = 0
	}
	available := p.WorkerCount - busy
	if available < 0 {
		available = 0
	}
	return Stats{
		Workers:   p.WorkerCount,
		Busy:      busy,
		Available: available,
		Queued:    queued,
	}
}

// Middleware runs each request on a pool worker, so requests queue behind
// whatever is occupying the pool.
func (p *Pool) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := p.Do(r.Context(), func() { next.ServeHTTP(w, r) })
		switch {
		case err == nil:
		case errors.Is(err, ErrPoolStopped):
			http.Error(w, "Service shutting down", http.StatusServiceUnavailable)
		default:
			// client went away while queued; nothing to write to
			log.WithField("component", "worker").Debugf("request %s %s abandoned in queue: %v", r.Method, r.URL.Path, err)
		}
	})
}
