//go:build unix

package sigstack

import "testing"

func TestStackLayout(t *testing.T) {
	s, err := New()
	if err != nil {
		t.Fatalf("failed to map stack: %s", err)
	}
	defer func() {
		if err := s.Release(); err != nil {
			t.Errorf("release failed: %s", err)
		}
	}()

	if got := s.Top() - s.Base(); got != Size {
		t.Errorf("usable size = %d, want %d", got, Size)
	}
	if !s.Contains(s.Base()) {
		t.Error("base not contained")
	}
	if !s.Contains(s.Top() - 1) {
		t.Error("highest usable byte not contained")
	}
	if s.Contains(s.Top()) {
		t.Error("top contained; Top is one past the end")
	}
	// The guard page below the usable range counts as part of the stack
	// for fault classification.
	if !s.Contains(s.Base() - 1) {
		t.Error("guard page not contained")
	}
}

func TestStackUsable(t *testing.T) {
	s, err := New()
	if err != nil {
		t.Fatalf("failed to map stack: %s", err)
	}
	defer s.Release()

	// Writes across the usable range must not fault.
	for i := 0; i < len(s.mem); i += 4096 {
		s.mem[i] = 0xa5
	}
}
