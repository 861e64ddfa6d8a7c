package pipeline

import "sync"

// NullTarget accepts and discards everything.
type NullTarget[T any] struct {
	once sync.Once
	done chan struct{}
}

func NewNullTarget[T any]() *NullTarget[T] {
	return &NullTarget[T]{done: make(chan struct{})}
}

func (n *NullTarget[T]) Offer(T) error { return nil }

func (n *NullTarget[T]) Complete() {
	n.once.Do(func() { close(n.done) })
}

// Fault finishes the target. A discard sink has nothing to fail, so the
// outcome stays clean.
func (n *NullTarget[T]) Fault(error) {
	n.Complete()
}

func (n *NullTarget[T]) Completion() <-chan struct{} { return n.done }

func (n *NullTarget[T]) Outcome() Outcome { return Outcome{} }
