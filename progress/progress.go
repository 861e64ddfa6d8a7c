// Package progress draws a terminal progress bar for offline runs over an
// mbox file.
package progress

import (
	"sync"

	"github.com/pterm/pterm"
)

const maxTitle = 40

// Bar tracks messages handled out of a known total. A disabled Bar only
// counts.
type Bar struct {
	mu      sync.Mutex
	pb      *pterm.ProgressbarPrinter
	total   int
	current int
	errors  int
	enabled bool
}

// New starts a bar over total messages.
func New(total int, title string, enabled bool) *Bar {
	bar := &Bar{total: total, enabled: enabled && total > 0}
	if !bar.enabled {
		return bar
	}

	pb, err := pterm.DefaultProgressbar.
		WithTotal(total).
		WithTitle(title).
		Start()
	if err != nil {
		bar.enabled = false
		return bar
	}
	bar.pb = pb
	pterm.Info.Printf("Messages in mbox: %d\n", total)
	return bar
}

// Step advances the bar by one message. label is shown as the title,
// truncated.
func (b *Bar) Step(label string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.current++
	if !b.enabled {
		return
	}
	b.pb.Increment()
	if label != "" {
		if len(label) > maxTitle {
			label = label[:maxTitle-3] + "..."
		}
		b.pb.UpdateTitle(label)
	}
}

// Fail counts a message that could not be handled and prints err above
// the bar.
func (b *Bar) Fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.errors++
	if b.enabled && err != nil {
		pterm.Error.Printf("Error: %v\n", err)
	}
}

// Current is the number of steps taken.
func (b *Bar) Current() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *Bar) Errors() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.errors
}

// Stop fills the bar and prints a summary.
func (b *Bar) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.enabled || b.pb == nil {
		return
	}
	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}
	_, _ = b.pb.Stop()
	pterm.Success.Printf("Processed %d messages, %d errors\n", b.current, b.errors)
}
