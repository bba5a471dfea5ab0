package pty

import (
	"bytes"
	"regexp"
)

// Mode is how output should be presented.
type Mode int

const (
	// ModeBatch output is plain appended text.
	ModeBatch Mode = iota
	// ModeInteractive output drives a terminal emulator and keystrokes are
	// forwarded raw.
	ModeInteractive
)

func (m Mode) String() string {
	if m == ModeInteractive {
		return "interactive"
	}
	return "batch"
}

const detectWindow = 50

var (
	altScreenEnter = [][]byte{[]byte("\x1b[?1049h"), []byte("\x1b[?1047h"), []byte("\x1b[?47h")}
	altScreenExit  = [][]byte{[]byte("\x1b[?1049l"), []byte("\x1b[?1047l"), []byte("\x1b[?47l")}
	clearScreen    = [][]byte{[]byte("\x1b[2J"), []byte("\x1b[H\x1b[J")}
	hideCursor     = []byte("\x1b[?25l")
	showCursor     = []byte("\x1b[?25h")
)

// modeDetector watches control sequences across read boundaries using a
// rolling window of the most recent bytes.
type modeDetector struct {
	tail        []byte
	mode        Mode
	viaAltScrn  bool
	transitions int
}

func lastIndexAny(buf []byte, seqs [][]byte) int {
	idx := -1
	for _, s := range seqs {
		if i := bytes.LastIndex(buf, s); i > idx {
			idx = i
		}
	}
	return idx
}

// feed returns the mode after p and whether it changed.
func (d *modeDetector) feed(p []byte) (Mode, bool) {
	buf := append(append(make([]byte, 0, len(d.tail)+len(p)), d.tail...), p...)
	prev := d.mode

	enter := lastIndexAny(buf, altScreenEnter)
	exit := lastIndexAny(buf, altScreenExit)
	switch {
	case enter > exit:
		d.mode, d.viaAltScrn = ModeInteractive, true
	case exit > enter:
		d.mode, d.viaAltScrn = ModeBatch, false
	case d.mode == ModeBatch:
		if lastIndexAny(buf, clearScreen) >= 0 && bytes.Contains(buf, hideCursor) {
			d.mode = ModeInteractive
		}
	case !d.viaAltScrn:
		if bytes.Contains(buf, showCursor) && !bytes.Contains(buf, hideCursor) {
			d.mode = ModeBatch
		}
	}

	if len(buf) > detectWindow {
		buf = buf[len(buf)-detectWindow:]
	}
	d.tail = append(d.tail[:0], buf...)

	if d.mode != prev {
		d.transitions++
		return d.mode, true
	}
	return d.mode, false
}

var promptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)pass(word|phrase)[^\n]*:\s*$`),
	regexp.MustCompile(`(?i)\[y/n\]\s*$`),
	regexp.MustCompile(`(?i)\(yes/no(/\[fingerprint\])?\)\??\s*$`),
	regexp.MustCompile(`[:?]\s*$`),
}

// looksLikePrompt reports whether an unterminated trailing line is waiting
// for input.
func looksLikePrompt(output []byte) bool {
	if len(output) == 0 || output[len(output)-1] == '\n' {
		return false
	}
	line := output
	if i := bytes.LastIndexByte(output, '\n'); i >= 0 {
		line = output[i+1:]
	}
	if len(line) > 200 {
		return false
	}
	for _, re := range promptPatterns {
		if re.Match(line) {
			return true
		}
	}
	return false
}
