// Package sequence runs closures one at a time, in the order they were posted.
//
// All frame-tree state for one context is touched only from its sequence:
// transports and background goroutines Post work onto it instead of locking.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

const logPrefix = "sequence:sequence"

var (
	// ErrStopped is returned by Sync and TryPost once the sequence no longer
	// accepts work.
	ErrStopped = errors.New("sequence stopped")
	// ErrFull is returned by TryPost when the queue has no room.
	ErrFull = errors.New("sequence queue full")
)

// Poster is the goroutine-safe half of a Sequence.
type Poster interface {
	Post(fn func()) bool
}

// TryPoster is a Poster that can refuse work instead of waiting for room.
// Code running on one sequence must use TryPost to reach another, or two
// sequences with full queues wait on each other forever.
type TryPoster interface {
	Poster
	TryPost(fn func()) error
}

// Sequence is a FIFO task runner backed by a single goroutine.
type Sequence struct {
	name  string
	tasks chan func()

	mu      sync.RWMutex
	stopped bool
	quit    chan struct{}

	done chan struct{}
	once sync.Once
}

// New creates a sequence with the given queue capacity. Call Run to start it.
func New(name string, buffer int) *Sequence {
	if buffer <= 0 {
		buffer = 256
	}
	return &Sequence{
		name:  name,
		tasks: make(chan func(), buffer),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Post queues fn. It returns false if the sequence has been stopped.
// Post waits while the queue is full, until there is room or Stop is called.
// Never call it from another sequence's task; use TryPost there.
func (s *Sequence) Post(fn func()) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return false
	}
	select {
	case s.tasks <- fn:
		return true
	case <-s.quit:
		return false
	}
}

// TryPost queues fn without waiting. It returns ErrFull when the queue has
// no room and ErrStopped once the sequence has been stopped.
func (s *Sequence) TryPost(fn func()) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return fmt.Errorf("%s - %s: %w", logPrefix, s.name, ErrStopped)
	}
	select {
	case s.tasks <- fn:
		return nil
	default:
		return fmt.Errorf("%s - %s: %w", logPrefix, s.name, ErrFull)
	}
}

// Sync posts fn and waits until it has run.
func (s *Sequence) Sync(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !s.Post(func() {
		defer close(finished)
		fn()
	}) {
		return fmt.Errorf("%s - %s: %w", logPrefix, s.name, ErrStopped)
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		// Run may have drained fn on its way out.
		select {
		case <-finished:
			return nil
		default:
			return fmt.Errorf("%s - %s: %w", logPrefix, s.name, ErrStopped)
		}
	}
}

// Run executes queued tasks until ctx is done or Stop is called. Tasks already
// queued when Stop is called still run. A panicking task is logged and does
// not stop the sequence.
func (s *Sequence) Run(ctx context.Context) {
	defer close(s.done)
	slog.Debug(fmt.Sprintf("%s - %s started", logPrefix, s.name))

	stopCh := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()
	defer close(stopCh)

	for fn := range s.tasks {
		s.runTask(fn)
	}
	slog.Debug(fmt.Sprintf("%s - %s stopped", logPrefix, s.name))
}

// Stop refuses new work and lets Run drain what is queued.
func (s *Sequence) Stop() {
	s.once.Do(func() {
		// Release posters waiting for room before taking the write lock.
		close(s.quit)
		s.mu.Lock()
		s.stopped = true
		close(s.tasks)
		s.mu.Unlock()
	})
}

// Done is closed once Run has returned.
func (s *Sequence) Done() <-chan struct{} { return s.done }

func (s *Sequence) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - %s task panicked: %v", logPrefix, s.name, r))
		}
	}()
	fn()
}
