package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// TaskFunc is the body of a background task. It should return when ctx is
// cancelled.
type TaskFunc func(ctx context.Context) error

// Task is a cancellable background unit supervised by a Daemon.
type Task struct {
	name   string
	fn     TaskFunc
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func newTask(parent context.Context, name string, fn TaskFunc) *Task {
	ctx, cancel := context.WithCancel(parent)
	return &Task{
		name:   name,
		fn:     fn,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Name returns the task name.
func (t *Task) Name() string {
	return t.name
}

// Cancel asks the task to stop. It does not wait.
func (t *Task) Cancel() {
	t.cancel()
}

// Done is closed when the task has returned.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the task's result once Done is closed, nil before.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Wait blocks until the task returns or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run executes the task body, converting a panic into an error.
func (t *Task) run() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.name, r)
		}
		t.finish(err)
	}()
	return t.fn(t.ctx)
}

func (t *Task) finish(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	t.cancel()
	close(t.done)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
