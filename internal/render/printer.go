package render

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/muesli/reflow/truncate"
	"github.com/muesli/reflow/wordwrap"

	"github.com/codefionn/nullterm/internal/transcript"
)

const (
	defaultWidth  = 100
	resultPreview = 6
)

// PrinterOptions tune a Printer.
type PrinterOptions struct {
	Width int
	// Markdown buffers model text and renders it with glamour once the unit
	// ends. Command output is always streamed raw.
	Markdown bool
	// ShowResults prints a short preview of every tool result.
	ShowResults bool
}

// Printer is a transcript.Observer that writes units to a terminal.
type Printer struct {
	out   io.Writer
	arena *transcript.Arena
	opts  PrinterOptions

	mu       sync.Mutex
	buffered map[string]*strings.Builder
	renderer *glamour.TermRenderer
}

func NewPrinter(out io.Writer, arena *transcript.Arena, opts PrinterOptions) *Printer {
	if opts.Width <= 0 {
		opts.Width = defaultWidth
	}
	p := &Printer{out: out, arena: arena, opts: opts, buffered: make(map[string]*strings.Builder)}
	if opts.Markdown {
		renderer, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(opts.Width),
			glamour.WithPreservedNewLines(),
		)
		if err == nil {
			p.renderer = renderer
		}
	}
	return p
}

// Attach subscribes p to its arena.
func (p *Printer) Attach() func() {
	return p.arena.Subscribe(p)
}

func (p *Printer) isModelUnit(unitID string) bool {
	u, ok := p.arena.Get(unitID)
	return ok && u.Kind != transcript.KindCommand
}

func (p *Printer) OnOutputAppended(unitID, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.renderer != nil && p.isModelUnit(unitID) {
		b, ok := p.buffered[unitID]
		if !ok {
			b = &strings.Builder{}
			p.buffered[unitID] = b
		}
		b.WriteString(text)
		return
	}
	fmt.Fprint(p.out, text)
}

func (p *Printer) OnToolCallUpdated(_ string, rec transcript.ToolCallRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case rec.Status == transcript.CallQueued && rec.Approval == transcript.ApprovalPending:
		fmt.Fprintf(p.out, "\n%s %s %s\n", toolNameStyle.Render(rec.Name), p.args(rec), statusStyle.Render("awaiting approval"))
	case rec.Status == transcript.CallRunning:
		fmt.Fprintf(p.out, "\n%s %s\n", toolNameStyle.Render(rec.Name), p.args(rec))
	case rec.Status.Terminal():
		line := fmt.Sprintf("%s %s", toolNameStyle.Render(rec.Name), callStatusLabel(rec.Status))
		if !rec.StartedAt.IsZero() && !rec.EndedAt.IsZero() {
			line += statusStyle.Render(fmt.Sprintf(" (%s)", rec.EndedAt.Sub(rec.StartedAt).Round(1e6)))
		}
		fmt.Fprintln(p.out, line)
		if p.opts.ShowResults {
			body := rec.Result
			if body == "" {
				body = rec.Error
			}
			if preview := p.preview(body); preview != "" {
				fmt.Fprintln(p.out, resultStyle.Render(preview))
			}
		}
	}
}

func (p *Printer) OnIterationRecorded(_ string, rec transcript.IterationRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	label := fmt.Sprintf("── iteration %d", rec.Number)
	if rec.Final {
		label += " (final)"
	}
	fmt.Fprintln(p.out, iterStyle.Render(label))
}

func (p *Printer) OnStatusChanged(unitID string, status transcript.Status) {
	if !status.Terminal() {
		return
	}
	u, _ := p.arena.Get(unitID)

	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.buffered[unitID]; ok {
		delete(p.buffered, unitID)
		rendered, err := p.renderer.Render(b.String())
		if err != nil {
			rendered = b.String()
		}
		fmt.Fprint(p.out, rendered)
	}

	if u.Metadata.Notice != "" {
		fmt.Fprintln(p.out, "\n"+noticeStyle.Render(u.Metadata.Notice))
	}
	switch status {
	case transcript.StatusFailed:
		msg := "failed"
		if u.Metadata.Error != "" {
			msg += ": " + u.Metadata.Error
		}
		fmt.Fprintln(p.out, "\n"+errorStyle.Render(msg))
	case transcript.StatusCancelled:
		fmt.Fprintln(p.out, "\n"+statusStyle.Render("cancelled"))
	}
}

func (p *Printer) args(rec transcript.ToolCallRecord) string {
	args := strings.TrimSpace(string(rec.Arguments))
	if args == "" || args == "{}" {
		return ""
	}
	return argsStyle.Render(truncate.StringWithTail(args, uint(p.opts.Width-20), "…"))
}

// preview wraps s and keeps its first lines.
func (p *Printer) preview(s string) string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return ""
	}
	lines := strings.Split(wordwrap.String(s, p.opts.Width-4), "\n")
	if len(lines) > resultPreview {
		more := len(lines) - resultPreview
		lines = append(lines[:resultPreview], fmt.Sprintf("… %d more lines", more))
	}
	return strings.Join(lines, "\n")
}
