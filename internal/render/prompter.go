package render

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/codefionn/nullterm/internal/approval"
	"github.com/codefionn/nullterm/internal/logger"
)

const resolvedPollInterval = 200 * time.Millisecond

// Prompter shows an ApprovalDialog per request, one at a time.
type Prompter struct {
	gate *approval.Gate
	in   io.Reader
	out  io.Writer
	log  *logger.Logger

	// ask runs the dialog; replaced in tests.
	ask func(ctx context.Context, req approval.Request) Choice

	mu sync.Mutex
}

// NewPrompter prompts on in/out. A nil gate disables "always allow"
// persistence for the session.
func NewPrompter(gate *approval.Gate, in io.Reader, out io.Writer, log *logger.Logger) *Prompter {
	if log == nil {
		log = logger.Nop()
	}
	p := &Prompter{gate: gate, in: in, out: out, log: log.Named("prompt")}
	p.ask = p.runDialog
	return p
}

// RequestApproval implements approval.Resolver.
func (p *Prompter) RequestApproval(ctx context.Context, req approval.Request) approval.Verdict {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ctx.Err() != nil {
		return approval.VerdictDeniedByCancellation
	}

	choice := p.ask(ctx, req)
	if ctx.Err() != nil {
		return approval.VerdictDeniedByCancellation
	}
	if choice == ChoiceAlwaysAllow && p.gate != nil {
		p.gate.Allow(req.ToolName)
		p.log.Info("always allowing %s", req.ToolName)
	}
	if choice.Approved() {
		return approval.VerdictApproved
	}
	return approval.VerdictDenied
}

// Serve answers broker requests from the terminal until the returned func is
// called. A dialog is dismissed if the request is resolved elsewhere first.
func (p *Prompter) Serve(ctx context.Context, broker *approval.Broker) func() {
	ctx, cancel := context.WithCancel(ctx)
	unsubscribe := broker.OnRequest(func(req approval.Request) {
		go p.answer(ctx, broker, req)
	})
	return func() {
		unsubscribe()
		cancel()
	}
}

func (p *Prompter) answer(ctx context.Context, broker *approval.Broker, req approval.Request) {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go watchResolved(reqCtx, cancel, broker, req.ID)

	verdict := p.RequestApproval(reqCtx, req)
	if verdict == approval.VerdictDeniedByCancellation {
		return
	}
	if err := broker.Resolve(req.ID, verdict.Approved()); err != nil && !errors.Is(err, approval.ErrUnknownRequest) {
		p.log.Warn("failed to resolve %s: %v", req.ID, err)
	}
}

func watchResolved(ctx context.Context, cancel context.CancelFunc, broker *approval.Broker, id string) {
	ticker := time.NewTicker(resolvedPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !isPending(broker, id) {
				cancel()
				return
			}
		}
	}
}

func isPending(broker *approval.Broker, id string) bool {
	for _, r := range broker.Pending() {
		if r.ID == id {
			return true
		}
	}
	return false
}

func (p *Prompter) runDialog(ctx context.Context, req approval.Request) Choice {
	opts := []tea.ProgramOption{tea.WithContext(ctx), tea.WithOutput(p.out)}
	if p.in != nil {
		opts = append(opts, tea.WithInput(p.in))
	}
	final, err := tea.NewProgram(NewApprovalDialog(req), opts...).Run()
	if err != nil {
		if !errors.Is(err, tea.ErrProgramKilled) {
			p.log.Warn("approval dialog failed: %v", err)
		}
		return ChoiceDeny
	}
	if d, ok := final.(ApprovalDialog); ok && d.Choice() != ChoiceNone {
		return d.Choice()
	}
	return ChoiceDeny
}
