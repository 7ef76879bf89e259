// Package termscreen adapts github.com/charmbracelet/x/vt into a
// cell-accurate terminal emulator that can render its current state as a
// self-contained, replayable ANSI escape stream. Exactly one Screen is fed
// per PTY by that PTY's own reader goroutine; nothing else writes to it.
package termscreen

import (
	"hash/fnv"
	"image/color"
	"strings"
	"sync"

	uv "github.com/charmbracelet/ultraviolet"
	"github.com/charmbracelet/x/vt"
)

// MaxScrollback is the default line-based scrollback retained for
// rendering. It is independent of the raw-byte scrollback ring kept by
// ptysession.Session, which is bounded in bytes rather than lines.
const MaxScrollback = 20000

// Screen wraps a charmbracelet/x/vt emulator plus a line-based scrollback
// used for local rendering.
type Screen struct {
	mu sync.Mutex

	term vt.Terminal

	rows, cols int

	scrollback    []string
	maxScrollback int
}

// CellInfo holds the character and formatting for a single cell.
type CellInfo struct {
	Char rune
	FG   color.Color
	BG   color.Color
	Bold bool
	Dim  bool
}

// New creates a Screen with the default scrollback limit.
func New(rows, cols int) *Screen {
	return NewWithScrollback(rows, cols, MaxScrollback)
}

// NewWithScrollback creates a Screen with a custom scrollback limit.
func NewWithScrollback(rows, cols, scrollback int) *Screen {
	term := vt.NewSafeEmulator(cols, rows)
	return &Screen{
		term:          term,
		rows:          rows,
		cols:          cols,
		scrollback:    make([]string, 0),
		maxScrollback: scrollback,
	}
}

// Process feeds bytes into the emulator. Incremental; safe to call
// repeatedly as output arrives.
func (s *Screen) Process(data []byte) {
	s.term.Write(data)
}

// Size returns the current dimensions.
func (s *Screen) Size() (rows, cols int) {
	return s.term.Height(), s.term.Width()
}

// SetSize resizes the terminal. Per spec, terminal emulators do not
// reflow: if the new dimensions differ from the current ones, the screen,
// scrollback and attributes are reset and the cursor is homed before the
// resize is applied.
func (s *Screen) SetSize(rows, cols int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rows == s.rows && cols == s.cols {
		return
	}

	s.term.Write([]byte("\x1b[0m\x1b[2J\x1b[3J\x1b[H"))
	s.scrollback = s.scrollback[:0]

	s.rows = rows
	s.cols = cols
	s.term.Resize(cols, rows)
}

// CursorPosition returns the current cursor position (row, col).
func (s *Screen) CursorPosition() (row, col int) {
	pos := s.term.CursorPosition()
	return pos.Y, pos.X
}

// GetScreen returns the visible screen as plain-text lines.
func (s *Screen) GetScreen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getScreenLocked()
}

func (s *Screen) getScreenLocked() []string {
	lines := make([]string, s.rows)
	for y := 0; y < s.rows; y++ {
		var line []rune
		for x := 0; x < s.cols; x++ {
			cell := s.term.CellAt(x, y)
			if cell != nil && cell.Content != "" {
				runes := []rune(cell.Content)
				if len(runes) > 0 {
					line = append(line, runes[0])
					continue
				}
			}
			line = append(line, ' ')
		}
		lines[y] = string(line)
	}
	return lines
}

// GetScreenCells returns raw cell content and formatting for direct
// cell-by-cell rendering (used by the TUI).
func (s *Screen) GetScreenCells() [][]CellInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	cells := make([][]CellInfo, s.rows)
	for y := 0; y < s.rows; y++ {
		cells[y] = make([]CellInfo, s.cols)
		for x := 0; x < s.cols; x++ {
			cell := s.term.CellAt(x, y)
			info := CellInfo{Char: ' '}
			if cell != nil {
				if cell.Content != "" {
					runes := []rune(cell.Content)
					if len(runes) > 0 {
						info.Char = runes[0]
					}
				}
				info.FG = cell.Style.Fg
				info.BG = cell.Style.Bg
				info.Bold = cell.Style.Attrs&uv.AttrBold != 0
				info.Dim = cell.Style.Attrs&uv.AttrFaint != 0
			}
			cells[y][x] = info
		}
	}
	return cells
}

// Snapshot renders the current visible screen as a self-contained ANSI
// escape stream: feeding it into a fresh Screen of the same dimensions
// reproduces the current visible state (attributes, colors, cursor
// position).
func (s *Screen) Snapshot() []byte {
	return []byte(s.term.Render())
}

// SnapshotWithScrollback is the broker-replay variant: it prefixes the
// rendered screen with the retained scrollback lines as plain output, so
// a reconnecting hub recovers history as well as the visible screen.
func (s *Screen) SnapshotWithScrollback() []byte {
	s.mu.Lock()
	scrollback := make([]string, len(s.scrollback))
	copy(scrollback, s.scrollback)
	s.mu.Unlock()

	var b strings.Builder
	for _, line := range scrollback {
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	b.Write(s.Snapshot())
	return []byte(b.String())
}

// GetScreenHash computes a change-detection hash over cell content and
// cursor position.
func (s *Screen) GetScreenHash() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := fnv.New64a()
	for y := 0; y < s.rows; y++ {
		for x := 0; x < s.cols; x++ {
			cell := s.term.CellAt(x, y)
			if cell != nil && cell.Content != "" {
				h.Write([]byte(cell.Content))
			}
		}
	}
	pos := s.term.CursorPosition()
	h.Write([]byte{byte(pos.Y), byte(pos.X)})
	h.Write([]byte{byte(len(s.scrollback))})
	return h.Sum64()
}

// ScrollbackCount returns the number of retained scrollback lines.
func (s *Screen) ScrollbackCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scrollback)
}

// AddToScrollback appends a line to the line-based scrollback, evicting
// the oldest line once maxScrollback is exceeded.
func (s *Screen) AddToScrollback(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.scrollback = append(s.scrollback, line)
	if len(s.scrollback) > s.maxScrollback {
		s.scrollback = s.scrollback[1:]
	}
}

// GetScrollback returns a copy of the retained scrollback lines.
func (s *Screen) GetScrollback() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]string, len(s.scrollback))
	copy(result, s.scrollback)
	return result
}

// GetScreenForTUI returns screen lines for embedding in a TUI panel. The
// TUI uses GetScreenCells for per-cell styling; this is the plain-text
// fallback.
func (s *Screen) GetScreenForTUI() []string {
	return s.GetScreen()
}

// ClearScrollback clears the line-based scrollback only.
func (s *Screen) ClearScrollback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scrollback = s.scrollback[:0]
}

// GetContents returns the visible screen as a single newline-joined
// string.
func (s *Screen) GetContents() string {
	return strings.Join(s.GetScreen(), "\n")
}
