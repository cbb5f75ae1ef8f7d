package queue

import (
	"context"
	"sync"

	"github.com/tflatt/rembashd/internal/interfaces"
)

// Task is one unit of dispatched work: a file descriptor the
// Multiplexer reported ready, along with the event mask it fired for.
type Task struct {
	FD     int
	Events uint32
}

// Handler processes one dispatched Task. Implementations are expected
// to rearm the fd with the Multiplexer once they are done with it.
type Handler func(Task)

// Pool is the fixed worker pool: N identical goroutines draining a
// single bounded queue of ready descriptors. Workers are
// interchangeable — any worker can handle any ready fd, since the
// one-shot registration discipline guarantees no two workers ever
// hold the same descriptor at once.
type Pool struct {
	size    int
	handler Handler
	logger  interfaces.Logger

	tasks  chan Task
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Config configures a new Pool.
type Config struct {
	// Size is the fixed number of worker goroutines.
	Size int
	// QueueDepth bounds how many pending tasks may be buffered before
	// Submit blocks, providing back-pressure on the dispatcher.
	QueueDepth int
	// Handler processes each dispatched Task.
	Handler Handler
	// Logger receives diagnostic messages; may be nil.
	Logger interfaces.Logger
}

// New creates a worker pool. Call Start to begin processing.
func New(config Config) *Pool {
	if config.Size <= 0 {
		config.Size = 1
	}
	if config.QueueDepth <= 0 {
		config.QueueDepth = config.Size * 4
	}
	return &Pool{
		size:    config.Size,
		handler: config.Handler,
		logger:  config.Logger,
		tasks:   make(chan Task, config.QueueDepth),
	}
}

// Start launches the pool's worker goroutines. ctx cancellation stops
// all workers once they finish any task already in hand.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	if p.logger != nil {
		p.logger.Debug("worker starting", "worker", id)
	}
	for {
		select {
		case <-ctx.Done():
			if p.logger != nil {
				p.logger.Debug("worker stopping", "worker", id)
			}
			return
		case task := <-p.tasks:
			p.handler(task)
		}
	}
}

// Submit enqueues a task for processing without blocking the caller.
// If every worker is busy and the queue is full, the task is dropped
// rather than stalling whoever is submitting it, relying on one-shot
// rearm to give the descriptor another readiness edge later instead.
// Returns false when the task was dropped.
func (p *Pool) Submit(task Task) bool {
	select {
	case p.tasks <- task:
		return true
	default:
		if p.logger != nil {
			p.logger.Warn("worker queue full, dropping readiness edge", "fd", task.FD)
		}
		return false
	}
}

// Stop cancels all worker goroutines and waits for them to return.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}
