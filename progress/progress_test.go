package progress

import (
	"errors"
	"testing"
)

func TestDisabledBarCounts(t *testing.T) {
	bar := New(3, "classify", false)
	bar.Step("one")
	bar.Step("")
	bar.Fail(errors.New("broken message"))
	bar.Stop()

	if got := bar.Current(); got != 2 {
		t.Fatalf("Current() = %d, want 2", got)
	}
	if got := bar.Errors(); got != 1 {
		t.Fatalf("Errors() = %d, want 1", got)
	}
}

func TestEmptyTotalDisablesBar(t *testing.T) {
	bar := New(0, "classify", true)
	if bar.enabled {
		t.Fatal("bar with zero total should be disabled")
	}
	bar.Step("x")
	bar.Stop()
}
