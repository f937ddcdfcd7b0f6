// Package workers provides a bounded goroutine pool for fan-out work, used
// by the Execution Orchestrator to dispatch a run's legs without spawning
// one goroutine per leg unconditionally.
package workers

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of dispatch work.
type Task interface {
	Execute() error
}

// TaskFunc adapts a plain function into a Task.
type TaskFunc func() error

func (f TaskFunc) Execute() error { return f() }

// Pool runs submitted Tasks across a fixed number of worker goroutines.
type Pool struct {
	logger *zap.Logger
	config *PoolConfig

	taskQueue chan Task
	wg        sync.WaitGroup

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	metrics *PoolMetrics
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	Name            string
	NumWorkers      int
	QueueSize       int
	TaskTimeout     time.Duration
	ShutdownTimeout time.Duration
	PanicRecovery   bool
}

// DefaultPoolConfig sizes a pool for bounded per-run leg dispatch: small and
// timeout-bound rather than tuned for raw throughput, since a run's leg
// count is the group size, not a high-volume stream.
func DefaultPoolConfig(name string, legs int) *PoolConfig {
	workers := legs
	if workers < 1 {
		workers = 1
	}
	if workers > 16 {
		workers = 16
	}
	return &PoolConfig{
		Name:            name,
		NumWorkers:      workers,
		QueueSize:       legs + 1,
		TaskTimeout:     30 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		PanicRecovery:   true,
	}
}

// PoolMetrics tracks pool-wide throughput and latency across its lifetime.
type PoolMetrics struct {
	mu sync.Mutex

	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksTimeout   int64
	PanicRecovered int64

	latencies []int64
}

// NewPoolMetrics builds an empty metrics tracker.
func NewPoolMetrics() *PoolMetrics {
	return &PoolMetrics{}
}

// RecordLatency appends one task's execution latency in nanoseconds.
func (m *PoolMetrics) RecordLatency(ns int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies = append(m.latencies, ns)
}

// Percentile returns the p-th percentile (0..1) of recorded latencies, as a
// time.Duration. Returns 0 when no samples have been recorded.
func (m *PoolMetrics) Percentile(p float64) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Percentile(m.latencies, p)
}

// Percentile is a standalone nearest-rank percentile over a slice of
// nanosecond samples, shared by PoolMetrics and the orchestrator's per-run
// latency aggregate.
func Percentile(samplesNs []int64, p float64) time.Duration {
	n := len(samplesNs)
	if n == 0 {
		return 0
	}
	sorted := make([]int64, n)
	copy(sorted, samplesNs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(n) * p)
	if idx >= n {
		idx = n - 1
	}
	return time.Duration(sorted[idx])
}

type worker struct {
	id     int
	pool   *Pool
	logger *zap.Logger
}

// NewPool builds a Pool. config defaults to DefaultPoolConfig("pool", 4) if nil.
func NewPool(logger *zap.Logger, config *PoolConfig) *Pool {
	if config == nil {
		config = DefaultPoolConfig("pool", 4)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		logger:    logger,
		config:    config,
		taskQueue: make(chan Task, config.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		metrics:   NewPoolMetrics(),
	}
}

// Start spins up the configured worker goroutines.
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return
	}
	p.logger.Debug("starting worker pool",
		zap.String("name", p.config.Name),
		zap.Int("workers", p.config.NumWorkers),
	)
	for i := 0; i < p.config.NumWorkers; i++ {
		w := &worker{id: i, pool: p, logger: p.logger.With(zap.Int("worker_id", i))}
		p.wg.Add(1)
		go w.run()
	}
}

func (w *worker) run() {
	defer w.pool.wg.Done()
	for {
		select {
		case <-w.pool.ctx.Done():
			return
		case task, ok := <-w.pool.taskQueue:
			if !ok {
				return
			}
			w.executeTask(task)
		}
	}
}

func (w *worker) executeTask(task Task) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(w.pool.ctx, w.pool.config.TaskTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var err error
		if w.pool.config.PanicRecovery {
			defer func() {
				if r := recover(); r != nil {
					atomic.AddInt64(&w.pool.metrics.PanicRecovered, 1)
					w.logger.Error("worker recovered from panic", zap.Any("panic", r))
					done <- &PanicError{Recovered: r}
				}
			}()
		}
		err = task.Execute()
		done <- err
	}()

	select {
	case err := <-done:
		w.pool.metrics.RecordLatency(time.Since(start).Nanoseconds())
		if err != nil {
			atomic.AddInt64(&w.pool.metrics.TasksFailed, 1)
		} else {
			atomic.AddInt64(&w.pool.metrics.TasksCompleted, 1)
		}
	case <-ctx.Done():
		atomic.AddInt64(&w.pool.metrics.TasksTimeout, 1)
		w.logger.Warn("task timed out", zap.Duration("timeout", w.pool.config.TaskTimeout))
	}
}

// Submit enqueues a task without blocking for completion.
func (p *Pool) Submit(task Task) error {
	if !p.running.Load() {
		return ErrPoolStopped
	}
	select {
	case p.taskQueue <- task:
		atomic.AddInt64(&p.metrics.TasksSubmitted, 1)
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitWait submits a task and blocks until it completes.
func (p *Pool) SubmitWait(task Task) error {
	if !p.running.Load() {
		return ErrPoolStopped
	}
	done := make(chan error, 1)
	wrapper := TaskFunc(func() error {
		err := task.Execute()
		done <- err
		return err
	})
	if err := p.Submit(wrapper); err != nil {
		return err
	}
	return <-done
}

// SubmitFunc submits a plain function as a Task.
func (p *Pool) SubmitFunc(fn func() error) error {
	return p.Submit(TaskFunc(fn))
}

// Stop gracefully shuts down the pool, waiting up to ShutdownTimeout.
func (p *Pool) Stop() error {
	if !p.running.Swap(false) {
		return nil
	}
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(p.config.ShutdownTimeout):
		return ErrShutdownTimeout
	}
}

// Metrics returns the pool's lifetime metrics.
func (p *Pool) Metrics() *PoolMetrics { return p.metrics }

var (
	ErrPoolStopped     = &PoolError{Message: "pool is stopped"}
	ErrQueueFull       = &PoolError{Message: "task queue is full"}
	ErrShutdownTimeout = &PoolError{Message: "shutdown timed out"}
)

// PoolError is a sentinel pool-level error.
type PoolError struct{ Message string }

func (e *PoolError) Error() string { return e.Message }

// PanicError wraps a recovered task panic.
type PanicError struct{ Recovered any }

func (e *PanicError) Error() string { return "panic recovered in task" }
