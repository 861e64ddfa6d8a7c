// Package pipeline builds bounded, parallel processing stages that are
// linked into a graph. Completion and faults flow along links from a stage
// to its targets.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrFull is returned by Offer when the queue has no free slot.
	ErrFull = errors.New("stage queue is full")
	// ErrClosed is returned once a stage no longer accepts input.
	ErrClosed = errors.New("stage is closed")
)

// Options size a stage. Zero values select 1.
type Options struct {
	Parallelism int
	Capacity    int
}

func (o Options) normalize() Options {
	if o.Parallelism < 1 {
		o.Parallelism = 1
	}
	if o.Capacity < 1 {
		o.Capacity = 1
	}
	return o
}

// Outcome is how a stage finished. Err is nil on normal completion.
type Outcome struct {
	Err error
}

func (o Outcome) Faulted() bool {
	return o.Err != nil
}

// Target accepts items and can be told to finish.
type Target[T any] interface {
	// Offer enqueues item without blocking.
	Offer(item T) error
	// Complete stops accepting input and finishes once queued items drain.
	Complete()
	// Fault stops accepting input, discards the queue and finishes with err.
	Fault(err error)
	// Completion is closed when the target has finished.
	Completion() <-chan struct{}
	Outcome() Outcome
}

// TransformFunc processes one item and returns the item to pass on. An
// error faults the stage.
type TransformFunc[T any] func(ctx context.Context, item T) (T, error)

// ActionFunc consumes one item. An error faults the stage.
type ActionFunc[T any] func(ctx context.Context, item T) error

type link[T any] struct {
	target    Target[T]
	predicate func(T) bool
	propagate bool
}

// Stage runs a processing function over its input queue on a fixed number
// of workers.
type Stage[T any] struct {
	name   string
	opts   Options
	logger *slog.Logger

	transform TransformFunc[T]
	action    ActionFunc[T]

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	in     chan T

	linkMu sync.RWMutex
	links  []link[T]
	onDrop func(item T, err error)

	startOnce sync.Once
	faultOnce sync.Once
	faultErr  error

	done    chan struct{}
	outcome Outcome
}

// NewTransform returns a stage that passes fn's result to its links.
// Cancelling ctx faults the stage with ctx.Err().
func NewTransform[T any](ctx context.Context, name string, opts Options, fn TransformFunc[T], logger *slog.Logger) *Stage[T] {
	s := newStage[T](ctx, name, opts, logger)
	s.transform = fn
	return s
}

// NewAction returns a terminal stage.
func NewAction[T any](ctx context.Context, name string, opts Options, fn ActionFunc[T], logger *slog.Logger) *Stage[T] {
	s := newStage[T](ctx, name, opts, logger)
	s.action = fn
	return s
}

func newStage[T any](parent context.Context, name string, opts Options, logger *slog.Logger) *Stage[T] {
	opts = opts.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Stage[T]{
		name:   name,
		opts:   opts,
		logger: logger.With("stage", name),
		ctx:    ctx,
		cancel: cancel,
		in:     make(chan T, opts.Capacity),
		done:   make(chan struct{}),
	}
}

func (s *Stage[T]) Name() string     { return s.name }
func (s *Stage[T]) Options() Options { return s.opts }

// LinkTo routes output to target. Items go to the first link whose
// predicate accepts them; a nil predicate accepts everything. With
// propagate set, the stage's outcome is forwarded to target when it
// finishes. Links must be added before Start.
func (s *Stage[T]) LinkTo(target Target[T], predicate func(T) bool, propagate bool) {
	s.linkMu.Lock()
	defer s.linkMu.Unlock()
	s.links = append(s.links, link[T]{target: target, predicate: predicate, propagate: propagate})
}

// OnDrop registers a callback for items that could not be delivered to any
// link.
func (s *Stage[T]) OnDrop(fn func(item T, err error)) {
	s.linkMu.Lock()
	defer s.linkMu.Unlock()
	s.onDrop = fn
}

// Start launches the workers. It is idempotent.
func (s *Stage[T]) Start() {
	s.startOnce.Do(func() {
		var wg sync.WaitGroup
		for i := 0; i < s.opts.Parallelism; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.work()
			}()
		}

		go func() {
			select {
			case <-s.ctx.Done():
				s.Fault(s.ctx.Err())
			case <-s.done:
			}
		}()

		go func() {
			wg.Wait()
			s.finish()
		}()
	})
}

// Offer implements Target.
func (s *Stage[T]) Offer(item T) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.in <- item:
		return nil
	default:
		return ErrFull
	}
}

// Post enqueues item if there is room. It never blocks.
func (s *Stage[T]) Post(item T) bool {
	return s.Offer(item) == nil
}

// Complete implements Target.
func (s *Stage[T]) Complete() {
	s.close()
}

// Fault implements Target.
func (s *Stage[T]) Fault(err error) {
	if err == nil {
		err = errors.New("fault without error")
	}
	s.faultOnce.Do(func() {
		s.mu.Lock()
		s.faultErr = err
		s.mu.Unlock()
		s.cancel()
	})
	s.close()
}

func (s *Stage[T]) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.in)
}

// Completion implements Target.
func (s *Stage[T]) Completion() <-chan struct{} {
	return s.done
}

// Outcome implements Target. It is only meaningful after Completion is
// closed.
func (s *Stage[T]) Outcome() Outcome {
	select {
	case <-s.done:
		return s.outcome
	default:
		return Outcome{}
	}
}

// Wait blocks until the stage finishes or ctx is done.
func (s *Stage[T]) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-s.done:
		return s.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (s *Stage[T]) faulted() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.faultErr
}

func (s *Stage[T]) work() {
	for item := range s.in {
		if s.faulted() != nil {
			continue // discard
		}
		if err := s.process(item); err != nil {
			s.logger.Error("stage processing failed", "error", err)
			s.Fault(err)
		}
	}
}

func (s *Stage[T]) process(item T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage %s panicked: %v", s.name, r)
		}
	}()

	if s.action != nil {
		return s.action(s.ctx, item)
	}

	out, err := s.transform(s.ctx, item)
	if err != nil {
		return err
	}
	s.deliver(out)
	return nil
}

func (s *Stage[T]) deliver(item T) {
	s.linkMu.RLock()
	links := s.links
	onDrop := s.onDrop
	s.linkMu.RUnlock()

	for _, l := range links {
		if l.predicate != nil && !l.predicate(item) {
			continue
		}
		if err := Send(s.ctx, l.target, item); err != nil {
			if s.ctx.Err() == nil {
				s.logger.Error("deliver to linked stage failed", "error", err)
			}
			if onDrop != nil {
				onDrop(item, err)
			}
		}
		return
	}

	s.logger.Warn("no link accepted item, dropping")
	if onDrop != nil {
		onDrop(item, errNoRoute)
	}
}

var errNoRoute = errors.New("no matching link")

func (s *Stage[T]) finish() {
	err := s.faulted()
	s.outcome = Outcome{Err: err}
	close(s.done)
	s.cancel()

	s.linkMu.RLock()
	links := s.links
	s.linkMu.RUnlock()

	for _, l := range links {
		if !l.propagate {
			continue
		}
		if err != nil {
			l.target.Fault(err)
		} else {
			l.target.Complete()
		}
	}

	if err != nil {
		s.logger.Debug("stage faulted", "error", err)
	} else {
		s.logger.Debug("stage completed")
	}
}
