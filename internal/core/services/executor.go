package services

import (
	"sync"

	"github.com/gammazero/workerpool"
)

// serialExecutor runs tasks one at a time in submission order. All state
// transitions of a session or relay go through one.
//
// run must never be called from inside a task.
type serialExecutor struct {
	pool *workerpool.WorkerPool

	lock    sync.Mutex
	stopped bool
}

func newSerialExecutor() *serialExecutor {
	return &serialExecutor{pool: workerpool.New(1)}
}

// submit queues fn and returns immediately. It reports false once stopped.
func (e *serialExecutor) submit(fn func()) bool {
	e.lock.Lock()
	defer e.lock.Unlock()

	if e.stopped {
		return false
	}
	e.pool.Submit(fn)
	return true
}

// run queues fn and waits until it has executed.
func (e *serialExecutor) run(fn func()) bool {
	done := make(chan struct{})
	if !e.submit(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	<-done
	return true
}

// stop drains queued tasks and releases the worker.
func (e *serialExecutor) stop() {
	e.lock.Lock()
	if e.stopped {
		e.lock.Unlock()
		return
	}
	e.stopped = true
	e.lock.Unlock()

	e.pool.StopWait()
}
