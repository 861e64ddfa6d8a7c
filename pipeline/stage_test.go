package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitDone(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

type collector struct {
	mu    sync.Mutex
	items []int
}

func (c *collector) add(_ context.Context, v int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, v)
	return nil
}

func (c *collector) sorted() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]int(nil), c.items...)
	sort.Ints(out)
	return out
}

func identity(_ context.Context, v int) (int, error) { return v, nil }

func TestStage_CompleteDrainsQueue(t *testing.T) {
	var got collector
	sink := NewAction(context.Background(), "sink", Options{Parallelism: 2, Capacity: 10}, got.add, nil)
	sink.Start()

	for i := 0; i < 10; i++ {
		require.NoError(t, Send(context.Background(), Target[int](sink), i))
	}
	sink.Complete()
	waitDone(t, sink.Completion())

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got.sorted())
	assert.False(t, sink.Outcome().Faulted())
	assert.ErrorIs(t, sink.Offer(42), ErrClosed)
	assert.False(t, sink.Post(42))
}

func TestStage_PostDeclinesWhenFull(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan int, 3)
	var got collector

	sink := NewAction(context.Background(), "sink", Options{Parallelism: 1, Capacity: 1}, func(ctx context.Context, v int) error {
		started <- v
		<-gate
		return got.add(ctx, v)
	}, nil)
	sink.Start()

	require.True(t, sink.Post(1))
	assert.Equal(t, 1, <-started) // worker holds 1
	require.True(t, sink.Post(2)) // queue holds 2
	assert.False(t, sink.Post(3), "full stage must decline")
	assert.ErrorIs(t, sink.Offer(3), ErrFull)

	sent := make(chan error, 1)
	go func() { sent <- Send(context.Background(), Target[int](sink), 3) }()

	select {
	case err := <-sent:
		t.Fatalf("Send returned %v while the stage was full", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	require.NoError(t, <-sent)
	sink.Complete()
	waitDone(t, sink.Completion())
	assert.Equal(t, []int{1, 2, 3}, got.sorted())
}

func TestSend_StopsOnContext(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	sink := NewAction(context.Background(), "sink", Options{}, func(context.Context, int) error {
		<-gate
		return nil
	}, nil)
	sink.Start()

	require.True(t, sink.Post(1))
	require.Eventually(t, func() bool { return sink.Post(2) }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := Send(ctx, Target[int](sink), 3)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSend_ClosedTarget(t *testing.T) {
	sink := NewAction(context.Background(), "sink", Options{}, func(context.Context, int) error { return nil }, nil)
	sink.Start()
	sink.Complete()

	err := Send(context.Background(), Target[int](sink), 1)
	require.ErrorIs(t, err, ErrClosed)
}

func TestStage_ParallelismBoundsWorkers(t *testing.T) {
	var active, peak atomic.Int32
	gate := make(chan struct{})

	sink := NewAction(context.Background(), "sink", Options{Parallelism: 3, Capacity: 10}, func(context.Context, int) error {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-gate
		active.Add(-1)
		return nil
	}, nil)
	sink.Start()

	for i := 0; i < 8; i++ {
		require.NoError(t, Send(context.Background(), Target[int](sink), i))
	}
	require.Eventually(t, func() bool { return active.Load() == 3 }, time.Second, time.Millisecond)
	close(gate)
	sink.Complete()
	waitDone(t, sink.Completion())

	assert.Equal(t, int32(3), peak.Load())
}

func TestStage_LinkRoutesToFirstMatch(t *testing.T) {
	var evens, odds collector
	null := NewNullTarget[int]()

	root := NewTransform(context.Background(), "root", Options{Capacity: 4}, identity, nil)
	even := NewAction(context.Background(), "even", Options{Capacity: 4}, evens.add, nil)
	odd := NewAction(context.Background(), "odd", Options{Capacity: 4}, odds.add, nil)

	root.LinkTo(even, func(v int) bool { return v%2 == 0 }, true)
	root.LinkTo(odd, func(v int) bool { return v%2 == 1 && v < 5 }, true)
	root.LinkTo(null, nil, true)
	for _, s := range []*Stage[int]{root, even, odd} {
		s.Start()
	}

	for i := 0; i < 8; i++ {
		require.NoError(t, Send(context.Background(), Target[int](root), i))
	}
	root.Complete()

	waitDone(t, even.Completion())
	waitDone(t, odd.Completion())
	waitDone(t, null.Completion())

	assert.Equal(t, []int{0, 2, 4, 6}, evens.sorted())
	assert.Equal(t, []int{1, 3}, odds.sorted())
	assert.False(t, even.Outcome().Faulted())
	assert.False(t, odd.Outcome().Faulted())
}

func TestStage_UnroutedItemIsDropped(t *testing.T) {
	var dropped atomic.Int32
	root := NewTransform(context.Background(), "root", Options{}, identity, nil)
	var got collector
	sink := NewAction(context.Background(), "sink", Options{}, got.add, nil)
	root.LinkTo(sink, func(v int) bool { return v > 0 }, true)
	root.OnDrop(func(int, error) { dropped.Add(1) })
	root.Start()
	sink.Start()

	require.NoError(t, Send(context.Background(), Target[int](root), 0))
	require.NoError(t, Send(context.Background(), Target[int](root), 1))
	root.Complete()
	waitDone(t, sink.Completion())

	assert.Equal(t, []int{1}, got.sorted())
	assert.Equal(t, int32(1), dropped.Load())
}

func TestStage_FaultPropagatesDownstream(t *testing.T) {
	boom := errors.New("boom")
	var got collector

	first := NewTransform(context.Background(), "first", Options{}, func(_ context.Context, v int) (int, error) {
		if v == 3 {
			return 0, boom
		}
		return v, nil
	}, nil)
	second := NewTransform(context.Background(), "second", Options{}, identity, nil)
	last := NewAction(context.Background(), "last", Options{}, got.add, nil)

	first.LinkTo(second, nil, true)
	second.LinkTo(last, nil, true)
	first.Start()
	second.Start()
	last.Start()

	for i := 1; i <= 3; i++ {
		_ = Send(context.Background(), Target[int](first), i)
	}

	waitDone(t, last.Completion())
	require.ErrorIs(t, first.Outcome().Err, boom)
	require.ErrorIs(t, second.Outcome().Err, boom)
	require.ErrorIs(t, last.Outcome().Err, boom)
	assert.ErrorIs(t, first.Offer(9), ErrClosed)
}

func TestStage_FaultIsolatesSiblings(t *testing.T) {
	boom := errors.New("sink down")
	var dropped atomic.Int32
	var good collector

	root := NewTransform(context.Background(), "root", Options{Capacity: 8}, identity, nil)
	bad := NewAction(context.Background(), "bad", Options{}, func(context.Context, int) error { return boom }, nil)
	ok := NewAction(context.Background(), "ok", Options{Capacity: 8}, good.add, nil)

	root.LinkTo(bad, func(v int) bool { return v%2 == 0 }, true)
	root.LinkTo(ok, func(v int) bool { return v%2 == 1 }, true)
	root.OnDrop(func(_ int, err error) {
		if errors.Is(err, ErrClosed) {
			dropped.Add(1)
		}
	})
	root.Start()
	bad.Start()
	ok.Start()

	require.NoError(t, Send(context.Background(), Target[int](root), 0))
	waitDone(t, bad.Completion())

	for i := 1; i <= 6; i++ {
		require.NoError(t, Send(context.Background(), Target[int](root), i))
	}
	root.Complete()
	waitDone(t, ok.Completion())

	require.ErrorIs(t, bad.Outcome().Err, boom)
	assert.False(t, root.Outcome().Faulted())
	assert.False(t, ok.Outcome().Faulted())
	assert.Equal(t, []int{1, 3, 5}, good.sorted())
	assert.Equal(t, int32(3), dropped.Load(), "items for a faulted sibling are reported, not silently lost")
}

func TestStage_PanicFaultsStage(t *testing.T) {
	s := NewAction(context.Background(), "panicky", Options{}, func(context.Context, int) error {
		panic("nil map")
	}, nil)
	s.Start()
	require.NoError(t, Send(context.Background(), Target[int](s), 1))
	waitDone(t, s.Completion())

	require.Error(t, s.Outcome().Err)
	assert.Contains(t, s.Outcome().Err.Error(), "panicky")
}

func TestStage_ParentCancelFaultsGraph(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	root := NewTransform(ctx, "root", Options{}, identity, nil)
	sink := NewAction(context.Background(), "sink", Options{}, func(context.Context, int) error { return nil }, nil)
	root.LinkTo(sink, nil, true)
	root.Start()
	sink.Start()

	cancel()
	waitDone(t, sink.Completion())

	require.ErrorIs(t, root.Outcome().Err, context.Canceled)
	require.ErrorIs(t, sink.Outcome().Err, context.Canceled)
}

func TestStage_Wait(t *testing.T) {
	s := NewAction(context.Background(), "s", Options{}, func(context.Context, int) error { return nil }, nil)
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	s.Complete()
	out, err := s.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, out.Faulted())
}

func TestNullTarget(t *testing.T) {
	n := NewNullTarget[int]()
	require.NoError(t, n.Offer(1))
	n.Fault(errors.New("ignored"))
	n.Complete()
	waitDone(t, n.Completion())
	assert.False(t, n.Outcome().Faulted())
}

func TestOptions_Normalize(t *testing.T) {
	assert.Equal(t, Options{Parallelism: 1, Capacity: 1}, Options{}.normalize())
	assert.Equal(t, Options{Parallelism: 4, Capacity: 2}, Options{Parallelism: 4, Capacity: 2}.normalize())
}
