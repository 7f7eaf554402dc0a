// Package workers provides a bounded goroutine pool for parallel candidate
// evaluation.
package workers

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Task is a unit of work.
type Task interface {
	Execute() error
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc func() error

func (f TaskFunc) Execute() error { return f() }

// Pool runs tasks on a fixed number of worker goroutines. Worker panics
// are recovered and logged so one bad task cannot take the others down.
type Pool struct {
	logger *zap.Logger
	tasks  chan Task

	workers sync.WaitGroup
	pending sync.WaitGroup
	closed  atomic.Bool

	completed atomic.Int64
	failed    atomic.Int64
}

// New starts a pool. Non-positive worker counts default to NumCPU.
func New(logger *zap.Logger, numWorkers, queueSize int) *Pool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = numWorkers * 2
	}

	p := &Pool{
		logger: logger,
		tasks:  make(chan Task, queueSize),
	}
	for i := 0; i < numWorkers; i++ {
		p.workers.Add(1)
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	defer p.workers.Done()
	for task := range p.tasks {
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	defer p.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			p.logger.Error("task panic recovered", zap.Any("panic", r))
		}
	}()

	if err := task.Execute(); err != nil {
		p.failed.Add(1)
		p.logger.Debug("task failed", zap.Error(err))
		return
	}
	p.completed.Add(1)
}

// Submit queues a task. It blocks when the queue is full and fails after
// Shutdown.
func (p *Pool) Submit(task Task) error {
	if p.closed.Load() {
		return fmt.Errorf("pool is shut down")
	}
	p.pending.Add(1)
	p.tasks <- task
	return nil
}

// Wait blocks until every submitted task has finished.
func (p *Pool) Wait() {
	p.pending.Wait()
}

// Shutdown waits for queued tasks and stops the workers.
func (p *Pool) Shutdown() {
	if p.closed.Swap(true) {
		return
	}
	p.pending.Wait()
	close(p.tasks)
	p.workers.Wait()
}

// Completed returns the number of successfully executed tasks.
func (p *Pool) Completed() int64 { return p.completed.Load() }

// Failed returns the number of tasks that errored or panicked.
func (p *Pool) Failed() int64 { return p.failed.Load() }
