package workflow

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

type job struct {
	id   string
	ctx  context.Context
	work func(context.Context) error
	done chan error
}

type PoolStats struct {
	Length    int    `json:"length"`
	Capacity  int    `json:"capacity"`
	Workers   int    `json:"workers"`
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
}

// Pool is a bounded queue of run-advancement requests served by a fixed
// number of workers.
type Pool struct {
	jobs      chan job
	workers   int
	started   bool
	stopped   bool
	mu        sync.RWMutex
	wg        sync.WaitGroup
	processed atomic.Uint64
	failed    atomic.Uint64
}

func NewPool(capacity, workers int) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	if workers < 1 {
		workers = 1
	}
	return &Pool{jobs: make(chan job, capacity), workers: workers}
}

// Start launches the workers. When ctx ends the pool stops accepting work;
// jobs already queued still run.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	if ctx.Done() == nil {
		return
	}
	go func() {
		<-ctx.Done()
		p.close()
	}()
}

// Do queues work without blocking and waits for its result. A full queue
// fails fast with ErrQueueFull. If ctx ends first Do returns ctx.Err() and
// the work still runs to completion.
func (p *Pool) Do(ctx context.Context, id string, work func(context.Context) error) error {
	j := job{id: id, ctx: context.WithoutCancel(ctx), work: work, done: make(chan error, 1)}

	p.mu.RLock()
	if !p.started || p.stopped {
		p.mu.RUnlock()
		return ErrPoolStopped
	}
	select {
	case p.jobs <- j:
	default:
		p.mu.RUnlock()
		log.Printf("workflow queue full, rejecting job %s", id)
		return ErrQueueFull
	}
	p.mu.RUnlock()

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops accepting jobs and waits for queued ones to drain until ctx is done.
func (p *Pool) Stop(ctx context.Context) {
	p.mu.RLock()
	started := p.started
	p.mu.RUnlock()
	if !started {
		return
	}
	p.close()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (p *Pool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.stopped {
		return
	}
	p.stopped = true
	close(p.jobs)
}

func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Length:    len(p.jobs),
		Capacity:  cap(p.jobs),
		Workers:   p.workers,
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
	}
}

func (p *Pool) Healthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started && !p.stopped
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		p.handle(j)
	}
}

func (p *Pool) handle(j job) {
	start := time.Now()
	err := runJob(j)
	p.processed.Add(1)
	status := "success"
	if err != nil {
		p.failed.Add(1)
		status = err.Error()
	}
	j.done <- err
	log.Printf("job=%s duration_ms=%d status=%s", j.id, time.Since(start).Milliseconds(), status)
}

func runJob(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panic: %v", j.id, r)
		}
	}()
	return j.work(j.ctx)
}
