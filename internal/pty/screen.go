package pty

import (
	"github.com/hinshun/vt10x"
)

// Attribute bits as laid out by the emulator's glyph mode.
const (
	attrReverse int16 = 1 << iota
	attrUnderline
	attrBold
	attrGfx
	attrItalic
	attrBlink
)

// Cell is one styled character of the terminal grid.
type Cell struct {
	Char rune   `json:"c"`
	FG   uint32 `json:"fg"`
	BG   uint32 `json:"bg"`
	Attr int16  `json:"a,omitempty"`
}

func (c Cell) Bold() bool      { return c.Attr&attrBold != 0 }
func (c Cell) Underline() bool { return c.Attr&attrUnderline != 0 }
func (c Cell) Reverse() bool   { return c.Attr&attrReverse != 0 }
func (c Cell) Italic() bool    { return c.Attr&attrItalic != 0 }

// Snapshot is a copy of the terminal state.
type Snapshot struct {
	Rows          int      `json:"rows"`
	Cols          int      `json:"cols"`
	Cells         [][]Cell `json:"cells"`
	CursorX       int      `json:"cursor_x"`
	CursorY       int      `json:"cursor_y"`
	CursorVisible bool     `json:"cursor_visible"`
}

// Screen is a terminal-state emulator fed with interactive output.
type Screen struct {
	term vt10x.Terminal
}

func NewScreen(rows, cols int) *Screen {
	return &Screen{term: vt10x.New(vt10x.WithSize(cols, rows))}
}

func (s *Screen) Write(p []byte) {
	_, _ = s.term.Write(p)
}

func (s *Screen) Resize(rows, cols int) {
	s.term.Resize(cols, rows)
}

func (s *Screen) Snapshot() Snapshot {
	s.term.Lock()
	defer s.term.Unlock()

	cols, rows := s.term.Size()
	cur := s.term.Cursor()
	snap := Snapshot{
		Rows:          rows,
		Cols:          cols,
		Cells:         make([][]Cell, rows),
		CursorX:       cur.X,
		CursorY:       cur.Y,
		CursorVisible: s.term.CursorVisible(),
	}
	for y := 0; y < rows; y++ {
		row := make([]Cell, cols)
		for x := 0; x < cols; x++ {
			g := s.term.Cell(x, y)
			row[x] = Cell{Char: g.Char, FG: uint32(g.FG), BG: uint32(g.BG), Attr: g.Mode}
		}
		snap.Cells[y] = row
	}
	return snap
}

// String renders the grid as plain text. vt10x takes the state lock itself.
func (s *Screen) String() string {
	return s.term.String()
}
