package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/codefionn/nullterm/internal/pty"
	"github.com/codefionn/nullterm/internal/transcript"
)

// runShell spawns the input directly on a PTY. Output reaches the unit chunk
// by chunk in the order it was read.
func (o *Orchestrator) runShell(ctx context.Context, run *Run, sub Submission) {
	o.setActivity(run, ActivityExecuting)
	arena := o.rt.Arena

	h, err := o.rt.Supervisor.Spawn(ctx, sub.Input, pty.Options{
		Timeout: sub.Timeout,
		OnOutput: func(c pty.Chunk) {
			_ = arena.AppendOutput(run.UnitID, strings.ReplaceAll(string(c.Data), "\r\n", "\n"))
		},
	})
	if err != nil {
		o.finish(run, transcript.StatusFailed, func(md *transcript.Metadata) {
			md.Error = err.Error()
		})
		return
	}
	if sub.OnSpawn != nil {
		sub.OnSpawn(h)
	}

	res := h.Wait()
	o.withStats(run.UnitID, func(s *AgentStats) { s.State = res.State.String() })

	status := transcript.StatusCompleted
	var errText string
	switch res.State {
	case pty.StateCancelled:
		status = transcript.StatusCancelled
	case pty.StateTimedOut:
		status = transcript.StatusFailed
		errText = fmt.Sprintf("timed out after %s", res.Duration.Round(time.Second))
	case pty.StateFailed:
		status = transcript.StatusFailed
		if res.Err != nil {
			errText = res.Err.Error()
		}
	}

	exitCode := res.ExitCode
	o.finish(run, status, func(md *transcript.Metadata) {
		md.ExitCode = &exitCode
		md.LoopState = res.State.String()
		if errText != "" {
			md.Error = errText
		}
	})
}
