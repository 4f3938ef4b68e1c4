// Package schedule runs functions on timers and hands back a cancellable
// handle. Cancellation is a single idempotent call regardless of whether
// the task is periodic or one-shot.
package schedule

import (
	"context"
	"sync"
	"time"
)

// Task is a handle on a scheduled function.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newTask(ctx context.Context) (*Task, context.Context) {
	taskCtx, cancel := context.WithCancel(ctx)

	return &Task{cancel: cancel, done: make(chan struct{})}, taskCtx
}

// Every runs fn every interval until the task is cancelled or ctx ends.
// When immediate is true fn also runs once right away. Runs never
// overlap: a slow fn delays the next tick instead of stacking.
func Every(ctx context.Context, interval time.Duration, immediate bool, fn func(context.Context)) *Task {
	t, taskCtx := newTask(ctx)

	go func() {
		defer close(t.done)

		if immediate {
			fn(taskCtx)
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-taskCtx.Done():
				return
			case <-ticker.C:
				if taskCtx.Err() != nil {
					return
				}

				fn(taskCtx)
			}
		}
	}()

	return t
}

// After runs fn once after delay unless the task is cancelled first.
func After(ctx context.Context, delay time.Duration, fn func(context.Context)) *Task {
	t, taskCtx := newTask(ctx)

	go func() {
		defer close(t.done)

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-taskCtx.Done():
			return
		case <-timer.C:
			fn(taskCtx)
		}
	}()

	return t
}

// Cancel stops the task. Safe to call more than once and on a nil Task.
// It does not wait for a running fn to return; use Wait for that.
func (t *Task) Cancel() {
	if t == nil {
		return
	}

	t.once.Do(t.cancel)
}

// Wait blocks until the task goroutine has exited. Must not be called
// from inside the task's own fn.
func (t *Task) Wait() {
	if t == nil {
		return
	}

	<-t.done
}

// Done is closed once the task goroutine has exited.
func (t *Task) Done() <-chan struct{} {
	return t.done
}
