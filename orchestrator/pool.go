package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrPoolClosed is returned by Submit after Shutdown
var ErrPoolClosed = errors.New("worker pool closed")

// Task is a unit of work executed by the pool
type Task func(ctx context.Context)

// Pool manages a pool of workers that execute tasks from a bounded queue
type Pool struct {
	workers    int
	queue      chan Task
	wg         sync.WaitGroup
	ctx        context.Context
	cancelFunc context.CancelFunc
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewPool creates a pool with the given number of workers and queue size
func NewPool(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 2
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		workers:    workers,
		queue:      make(chan Task, queueSize),
		ctx:        ctx,
		cancelFunc: cancel,
		stop:       make(chan struct{}),
	}
}

// Start starts the worker goroutines
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// worker is the worker goroutine that processes tasks
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stop:
			return
		case task := <-p.queue:
			p.run(id, task)
		}
	}
}

func (p *Pool) run(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker task panicked", "worker", id, "panic", r)
		}
	}()
	task(p.ctx)
}

// Submit queues task, waiting for queue space until ctx ends
func (p *Pool) Submit(ctx context.Context, task Task) error {
	select {
	case <-p.stop:
		return ErrPoolClosed
	default:
	}
	select {
	case <-p.stop:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	case p.queue <- task:
		return nil
	}
}

// Pending returns the number of queued tasks not yet picked up
func (p *Pool) Pending() int {
	return len(p.queue)
}

// Shutdown stops accepting tasks and waits for running ones. Tasks still
// queued are dropped. When ctx ends first, running tasks are cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stop) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancelFunc()
		return nil
	case <-ctx.Done():
		p.cancelFunc()
		<-done
		return ctx.Err()
	}
}
