// Package executor provides the explicit hand-off points between goroutine roles:
// network loops enqueue work here instead of running it themselves.
//
// A Pool is a fixed set of workers draining a bounded queue. When the queue is full the
// task is rejected rather than blocking the submitter, so a network loop never stalls
// behind slow business code.
package executor

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrRejected = errors.New("executor: queue full")
	ErrClosed   = errors.New("executor: closed")
)

// Executor runs tasks asynchronously.
type Executor interface {
	Execute(task func()) error
}

// Statistics are updated atomically.
type Statistics struct {
	Submitted uint64
	Rejected  uint64
	Completed uint64
	Panicked  uint64
}

// Pool is a fixed-size worker pool.
type Pool struct {
	// accessed atomically, keep as first field for alignment
	statistics Statistics

	name   string
	logger *zap.Logger
	tasks  chan func()
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewPool starts workers goroutines over a queue of queueSize pending tasks.
func NewPool(name string, workers, queueSize int, logger *zap.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		name:   name,
		logger: logger.Named("executor").With(zap.String("pool", name)),
		tasks:  make(chan func(), queueSize),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work()
	}
	return p
}

func (p *Pool) Name() string { return p.name }

// Execute enqueues task. It never blocks.
func (p *Pool) Execute(task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	atomic.AddUint64(&p.statistics.Submitted, 1)
	select {
	case p.tasks <- task:
		return nil
	default:
		atomic.AddUint64(&p.statistics.Rejected, 1)
		return errors.Wrapf(ErrRejected, "pool %s", p.name)
	}
}

func (p *Pool) work() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(task)
	}
}

func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&p.statistics.Panicked, 1)
			p.logger.Error("Task panicked", zap.Any("panic", r))
		}
		atomic.AddUint64(&p.statistics.Completed, 1)
	}()
	task()
}

// Statistics returns a snapshot of the counters.
func (p *Pool) Statistics() Statistics {
	return Statistics{
		Submitted: atomic.LoadUint64(&p.statistics.Submitted),
		Rejected:  atomic.LoadUint64(&p.statistics.Rejected),
		Completed: atomic.LoadUint64(&p.statistics.Completed),
		Panicked:  atomic.LoadUint64(&p.statistics.Panicked),
	}
}

// Close stops accepting tasks, runs what is queued and waits for the workers.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}
