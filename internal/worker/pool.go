package worker

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Task is a unit of background propagation work. The context passed to Run is
// the pool's lifetime context, not the originating request's, so propagation
// outlives the HTTP response that triggered it.
type Task struct {
	Name string
	Run  func(ctx context.Context)
	done chan struct{}
}

// Pool runs background tasks on a fixed set of goroutines with a bounded
// queue. When the queue is full, Submit drops the task instead of blocking
// the caller; external mirrors are best effort and reconcilable by a retry
// of the originating operation.
type Pool struct {
	queue   chan Task
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *zap.Logger
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
}

func NewPool(workers, queueSize int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:  make(chan Task, queueSize),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.run(i)
	}
	return p
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	for task := range p.queue {
		p.execute(id, task)
	}
}

func (p *Pool) execute(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("background task panicked",
				zap.Int("worker", id),
				zap.String("task", task.Name),
				zap.Any("panic", r))
		}
		if task.done != nil {
			close(task.done)
		}
	}()
	task.Run(p.ctx)
}

func (p *Pool) enqueue(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- task:
		return true
	default:
		p.dropped.Add(1)
		p.logger.Warn("background queue full, task dropped", zap.String("task", task.Name))
		return false
	}
}

// Submit enqueues a task without blocking. It returns false when the pool is
// shutting down or the queue is full; the drop is logged and counted.
func (p *Pool) Submit(name string, run func(ctx context.Context)) bool {
	return p.enqueue(Task{Name: name, Run: run})
}

// SubmitWait enqueues a task and returns a channel closed when it finishes.
// A nil channel means the task was not accepted.
func (p *Pool) SubmitWait(name string, run func(ctx context.Context)) <-chan struct{} {
	done := make(chan struct{})
	if !p.enqueue(Task{Name: name, Run: run, done: done}) {
		return nil
	}
	return done
}

// Dropped reports how many tasks were rejected because the queue was full.
func (p *Pool) Dropped() int64 {
	return p.dropped.Load()
}

// Pending reports the number of queued, not yet started tasks.
func (p *Pool) Pending() int {
	return len(p.queue)
}

// Shutdown stops accepting work and waits for in-flight tasks up to the
// context deadline. Tasks still running after the deadline are abandoned and
// their lifetime context cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}
