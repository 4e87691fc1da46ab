// Package dispatch provides a minimal serial execution queue: a FIFO
// goroutine that runs submitted tasks one at a time. It stands in for the
// GCD-style serial dispatch queue that the connection, acceptor and dialer
// state machines rely on for implicit mutual exclusion.
package dispatch

import "sync"

// Queue is a single-goroutine FIFO task runner. Every task submitted with
// Async runs strictly after every task submitted before it, on the same
// goroutine, which is what lets Connection/Acceptor/Dialer mutate their own
// state from event callbacks without additional locking.
type Queue struct {
	label string

	tasks chan func()
	quit  chan struct{}

	stopOnce sync.Once
	done     chan struct{}
}

// NewQueue starts a new serial queue identified by label (used only for
// diagnostics/logging).
func NewQueue(label string) *Queue {
	q := &Queue{
		label: label,
		tasks: make(chan func(), 256),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

// Label returns the queue's diagnostic label.
func (q *Queue) Label() string { return q.label }

func (q *Queue) run() {
	defer close(q.done)
	for {
		select {
		case t := <-q.tasks:
			t()
		case <-q.quit:
			// Drain whatever is already buffered before exiting. A task
			// passed to Async once Stop has been called may be dropped.
			for {
				select {
				case t := <-q.tasks:
					t()
				default:
					return
				}
			}
		}
	}
}

// Async submits task to run on the queue's goroutine, returning immediately.
// Safe to call from any goroutine, including from within a task already
// running on this queue (it will run after the current task completes).
func (q *Queue) Async(task func()) {
	select {
	case q.tasks <- task:
	case <-q.quit:
	}
}

// Sync submits task and blocks until it has run.
func (q *Queue) Sync(task func()) {
	done := make(chan struct{})
	q.Async(func() {
		defer close(done)
		task()
	})
	<-done
}

// Stop signals the queue to drain its pending tasks and exit. It does not
// block; use Wait to block until the goroutine has actually exited.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.quit) })
}

// Wait blocks until the queue's goroutine has exited after Stop.
func (q *Queue) Wait() { <-q.done }
