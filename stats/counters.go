// Package stats keeps per-mailbox-kind counters, reports them periodically
// and exposes them to Prometheus.
package stats

import (
	"sort"
	"sync"

	"go.uber.org/atomic"

	"github.com/dhcgn/mail-crawler/model"
)

// Counter is a monotonic count that can be read and reset atomically.
type Counter struct {
	v atomic.Int64
}

func (c *Counter) Inc() { c.v.Inc() }

func (c *Counter) Add(n int64) { c.v.Add(n) }

// Read returns the current value.
func (c *Counter) Read() int64 { return c.v.Load() }

// Reset sets the counter to zero and returns the previous value.
func (c *Counter) Reset() int64 { return c.v.Swap(0) }

type kindCounters struct {
	processed Counter
	errors    Counter
}

// Registry holds processed and error counters per mailbox kind.
type Registry struct {
	mu    sync.RWMutex
	kinds map[model.MailboxKind]*kindCounters
}

// NewRegistry creates counters for kinds, or for model.Kinds when none are
// given. Other kinds are added on first use.
func NewRegistry(kinds ...model.MailboxKind) *Registry {
	if len(kinds) == 0 {
		kinds = model.Kinds
	}
	r := &Registry{kinds: make(map[model.MailboxKind]*kindCounters, len(kinds))}
	for _, k := range kinds {
		r.kinds[k] = &kindCounters{}
	}
	return r
}

func (r *Registry) get(kind model.MailboxKind) *kindCounters {
	r.mu.RLock()
	c, ok := r.kinds[kind]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.kinds[kind]; ok {
		return c
	}
	c = &kindCounters{}
	r.kinds[kind] = c
	return c
}

// Processed returns the processed counter for kind.
func (r *Registry) Processed(kind model.MailboxKind) *Counter {
	return &r.get(kind).processed
}

// Errors returns the error counter for kind.
func (r *Registry) Errors(kind model.MailboxKind) *Counter {
	return &r.get(kind).errors
}

func (r *Registry) IncProcessed(kind model.MailboxKind) { r.Processed(kind).Inc() }

func (r *Registry) IncError(kind model.MailboxKind) { r.Errors(kind).Inc() }

// Sample is one kind's counter values.
type Sample struct {
	Kind      model.MailboxKind
	Processed int64
	Errors    int64
}

func (s Sample) LogAttrs() []any {
	return []any{
		"kind", string(s.Kind),
		"processed", s.Processed,
		"errors", s.Errors,
	}
}

// Snapshot reads every counter without resetting, sorted by kind.
func (r *Registry) Snapshot() []Sample {
	return r.collect(func(c *Counter) int64 { return c.Read() })
}

// Drain reads and zeroes every counter, sorted by kind.
func (r *Registry) Drain() []Sample {
	return r.collect(func(c *Counter) int64 { return c.Reset() })
}

func (r *Registry) collect(read func(*Counter) int64) []Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Sample, 0, len(r.kinds))
	for kind, c := range r.kinds {
		out = append(out, Sample{Kind: kind, Processed: read(&c.processed), Errors: read(&c.errors)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}
