// Package workerpool runs long-lived streaming tasks on a fixed set of goroutines,
// isolated from the goroutines serving inbound HTTP requests.
package workerpool

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
)

var (
	// ErrQueueFull is returned by Submit when every worker is busy and the queue is full.
	ErrQueueFull = errors.New("workerpool: queue full")
	// ErrClosed is returned by Submit after Shutdown.
	ErrClosed = errors.New("workerpool: closed")
)

// Task is one unit of work. The context is cancelled when the pool shuts down.
type Task func(ctx context.Context)

// Config configures the pool.
type Config struct {
	Workers   int         // Number of worker goroutines (default: 16)
	QueueSize int         // Tasks waiting for a worker (default: 64)
	Logger    *log.Logger // Optional logger for diagnostics
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers  int  `json:"workers"`
	Active   int  `json:"active"`
	Queued   int  `json:"queued"`
	Capacity int  `json:"queue_capacity"`
	Closed   bool `json:"closed"`
}

// Pool executes tasks on a fixed number of goroutines.
type Pool struct {
	tasks   chan Task
	workers int
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *log.Logger
	active  atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// New starts the workers.
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 16
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	} else if cfg.QueueSize == 0 {
		cfg.QueueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		tasks:   make(chan Task, cfg.QueueSize),
		workers: cfg.Workers,
		ctx:     ctx,
		cancel:  cancel,
		logger:  cfg.Logger,
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	if p.logger != nil {
		p.logger.Printf("[workerpool] started %d worker(s), queue=%d", cfg.Workers, cfg.QueueSize)
	}
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(id, task)
	}
}

func (p *Pool) run(id int, task Task) {
	p.active.Add(1)
	defer p.active.Add(-1)
	defer func() {
		if r := recover(); r != nil && p.logger != nil {
			p.logger.Printf("[workerpool] worker-%d recovered from panic: %v", id, r)
		}
	}()
	task(p.ctx)
}

// Submit queues task without blocking.
func (p *Pool) Submit(task Task) error {
	if task == nil {
		return errors.New("workerpool: nil task")
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stats reports current utilisation.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	return Stats{
		Workers:  p.workers,
		Active:   int(p.active.Load()),
		Queued:   len(p.tasks),
		Capacity: cap(p.tasks),
		Closed:   closed,
	}
}

// Shutdown stops intake, cancels the context handed to running tasks and waits for
// the workers to drain. Tasks still queued run with an already cancelled context.
// It returns ctx.Err() if ctx expires first.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		if p.logger != nil {
			p.logger.Printf("[workerpool] stopped")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
