package vm

import "testing"

// TestHeapIntern tests deduplication and hole reuse.
func TestHeapIntern(t *testing.T) {
	var h StringHeap

	a, err := h.Intern("alpha")
	if err != nil {
		t.Fatalf("Intern failed: %v", err)
	}
	again, _ := h.Intern("alpha")
	if again != a {
		t.Errorf("Intern(alpha) twice = %d, %d; want same offset", a, again)
	}
	b, _ := h.Intern("beta")
	if b == a {
		t.Fatalf("distinct strings share offset %d", a)
	}

	for off, want := range map[int32]string{a: "alpha", b: "beta"} {
		if got, err := h.Get(off); err != nil || got != want {
			t.Errorf("Get(%d) = %q, %v; want %q", off, got, err, want)
		}
	}

	used := h.Used()
	freed := h.Sweep(map[int32]bool{b: true})
	if freed != 0 {
		t.Errorf("Sweep freed %d bytes below a live record, want 0", freed)
	}
	if h.Live() != 1 {
		t.Errorf("Live() = %d, want 1", h.Live())
	}
	if h.Used() != used {
		t.Errorf("Used() = %d, want %d", h.Used(), used)
	}

	// "gamma" needs as much room as the freed "alpha" and must not reuse a
	// hole that is not strictly larger.
	c, _ := h.Intern("gamma")
	if c == a {
		t.Errorf("Intern reused an exact-fit hole")
	}
	small, _ := h.Intern("x")
	if small != a {
		t.Errorf("Intern(x) = %d, want reuse of hole at %d", small, a)
	}

	if freed := h.Sweep(nil); freed == 0 || h.Live() != 0 {
		t.Errorf("Sweep(nil) freed %d, live %d", freed, h.Live())
	}
}

// TestHeapRestore tests that a saved heap resolves the same offsets.
func TestHeapRestore(t *testing.T) {
	var h StringHeap
	off, _ := h.Intern("saved")

	var r StringHeap
	r.Restore(h.Bytes())
	if got, err := r.Get(off); err != nil || got != "saved" {
		t.Errorf("Get after Restore = %q, %v; want saved", got, err)
	}
}
