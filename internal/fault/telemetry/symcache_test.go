package telemetry

import "testing"

func TestSymCacheResolve(t *testing.T) {
	c, err := NewSymCache(16)
	if err != nil {
		t.Fatalf("NewSymCache: %v", err)
	}

	calls := 0
	resolve := func(pc uintptr) string {
		calls++
		if pc == 0x1000 {
			return "frob"
		}
		return ""
	}

	for i := 0; i < 3; i++ {
		if got := c.Resolve(0x1000, resolve); got != "frob" {
			t.Fatalf("Resolve(0x1000) = %q, want frob", got)
		}
	}
	if calls != 1 {
		t.Errorf("resolver called %d times for a cached pc, want 1", calls)
	}

	// Negative answers are cached too.
	c.Resolve(0x2000, resolve)
	c.Resolve(0x2000, resolve)
	if calls != 2 {
		t.Errorf("resolver called %d times total, want 2", calls)
	}
}

func TestSymCacheSymbolizer(t *testing.T) {
	c, err := NewSymCache(4)
	if err != nil {
		t.Fatalf("NewSymCache: %v", err)
	}
	sym := c.Symbolizer(func(pc uintptr) string { return "x" })
	if got := sym(0x10); got != "x" {
		t.Errorf("adapted symbolizer = %q, want x", got)
	}
}
