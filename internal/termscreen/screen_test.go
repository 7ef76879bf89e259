package termscreen

import (
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	s := New(24, 80)
	rows, cols := s.Size()
	if rows != 24 || cols != 80 {
		t.Errorf("size = (%d,%d), want (24,80)", rows, cols)
	}
}

func TestNewWithScrollback(t *testing.T) {
	s := NewWithScrollback(24, 80, 100)
	for i := 0; i < 150; i++ {
		s.AddToScrollback("test line")
	}
	if s.ScrollbackCount() != 100 {
		t.Errorf("scrollback count = %d, want 100", s.ScrollbackCount())
	}
}

func TestProcess(t *testing.T) {
	s := New(24, 80)
	s.Process([]byte("Hello, World!"))
	screen := s.GetScreen()
	if !strings.Contains(screen[0], "Hello, World!") {
		t.Errorf("screen[0] = %q, want to contain 'Hello, World!'", screen[0])
	}
}

func TestSetSizeNoopWhenUnchanged(t *testing.T) {
	s := New(24, 80)
	s.Process([]byte("keep me"))
	s.SetSize(24, 80)
	screen := s.GetScreen()
	if !strings.Contains(screen[0], "keep me") {
		t.Error("SetSize with identical dims must not clear the screen")
	}
}

func TestSetSizeResetsOnChange(t *testing.T) {
	s := New(24, 80)
	s.Process([]byte("will be cleared"))
	s.AddToScrollback("old scrollback line")

	s.SetSize(40, 120)

	rows, cols := s.Size()
	if rows != 40 || cols != 120 {
		t.Errorf("size = (%d,%d), want (40,120)", rows, cols)
	}
	if s.ScrollbackCount() != 0 {
		t.Error("resize must clear line scrollback")
	}
	screen := s.GetScreen()
	if strings.Contains(screen[0], "will be cleared") {
		t.Error("resize must clear visible screen content")
	}
}

func TestCursorPosition(t *testing.T) {
	s := New(24, 80)
	row, col := s.CursorPosition()
	if row != 0 || col != 0 {
		t.Errorf("initial position = (%d,%d), want (0,0)", row, col)
	}
	s.Process([]byte("Hello"))
	_, col = s.CursorPosition()
	if col != 5 {
		t.Errorf("col after 'Hello' = %d, want 5", col)
	}
}

func TestSnapshotReproducesScreen(t *testing.T) {
	s := New(24, 80)
	s.Process([]byte("Hello"))

	snap := s.Snapshot()

	fresh := New(24, 80)
	fresh.Process(snap)
	if !strings.Contains(fresh.GetScreen()[0], "Hello") {
		t.Error("replaying a snapshot into a fresh screen must reproduce visible content")
	}
}

func TestSnapshotWithScrollbackIncludesHistory(t *testing.T) {
	s := New(24, 80)
	s.AddToScrollback("historical line")
	s.Process([]byte("current line"))

	out := s.SnapshotWithScrollback()
	if !strings.Contains(string(out), "historical line") {
		t.Error("SnapshotWithScrollback must include retained scrollback lines")
	}
}

func TestGetScreenHashChangesWithContent(t *testing.T) {
	s := New(24, 80)
	h1 := s.GetScreenHash()
	s.Process([]byte("Some content"))
	h2 := s.GetScreenHash()
	if h1 == h2 {
		t.Error("hash should change after processing content")
	}
}

func TestGetScreenHashStableForIdenticalContent(t *testing.T) {
	s1 := New(24, 80)
	s2 := New(24, 80)
	s1.Process([]byte("Same content"))
	s2.Process([]byte("Same content"))
	if s1.GetScreenHash() != s2.GetScreenHash() {
		t.Error("hash should match for identical content")
	}
}

func TestScrollbackLimit(t *testing.T) {
	s := NewWithScrollback(24, 80, 10)
	for i := 0; i < 20; i++ {
		s.AddToScrollback("line")
	}
	if s.ScrollbackCount() != 10 {
		t.Errorf("scrollback count = %d, want 10", s.ScrollbackCount())
	}
}

func TestClearScrollback(t *testing.T) {
	s := New(24, 80)
	s.AddToScrollback("line 1")
	s.AddToScrollback("line 2")
	s.ClearScrollback()
	if s.ScrollbackCount() != 0 {
		t.Errorf("scrollback count = %d, want 0", s.ScrollbackCount())
	}
}
