// Package transcript holds the per-interaction records that loops mutate and
// the rendering layer reads.
package transcript

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrUnknownUnit     = errors.New("transcript: unknown unit")
	ErrUnknownToolCall = errors.New("transcript: unknown tool call")
	ErrUnitFinalized   = errors.New("transcript: unit already finalized")
)

// Kind is the flavor of a user-visible interaction.
type Kind string

const (
	KindCommand       Kind = "command"
	KindQuery         Kind = "query"
	KindResponse      Kind = "response"
	KindAgentResponse Kind = "agent_response"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further mutation is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type ApprovalState string

const (
	ApprovalAuto     ApprovalState = "auto_approved"
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalDenied   ApprovalState = "denied"
)

// CallStatus is the execution state of a tool call.
type CallStatus string

const (
	CallQueued    CallStatus = "queued"
	CallRunning   CallStatus = "running"
	CallSuccess   CallStatus = "success"
	CallError     CallStatus = "error"
	CallDenied    CallStatus = "denied"
	CallCancelled CallStatus = "cancelled"
)

func (s CallStatus) Terminal() bool {
	switch s {
	case CallSuccess, CallError, CallDenied, CallCancelled:
		return true
	}
	return false
}

// ToolCallRecord is one requested tool invocation.
type ToolCallRecord struct {
	// ID is unique within the unit. CallID is the id the model used, which
	// may repeat across passes.
	ID        string          `json:"id"`
	CallID    string          `json:"call_id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Approval  ApprovalState   `json:"approval"`
	Status    CallStatus      `json:"status"`
	Result    string          `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	StartedAt time.Time       `json:"started_at,omitzero"`
	EndedAt   time.Time       `json:"ended_at,omitzero"`
}

// IterationRecord is one pass of the agent loop.
type IterationRecord struct {
	Number      int           `json:"number"`
	Reasoning   string        `json:"reasoning,omitempty"`
	ToolCallIDs []string      `json:"tool_call_ids,omitempty"`
	Final       bool          `json:"final"`
	Duration    time.Duration `json:"duration"`
}

type Metadata struct {
	InputTokens  int           `json:"input_tokens,omitempty"`
	OutputTokens int           `json:"output_tokens,omitempty"`
	Cost         float64       `json:"cost,omitempty"`
	Elapsed      time.Duration `json:"elapsed,omitempty"`
	// LoopState is the terminal state name of the loop that drove the unit.
	LoopState string `json:"loop_state,omitempty"`
	// Notice is attached on graceful endings such as the iteration limit.
	Notice   string `json:"notice,omitempty"`
	Error    string `json:"error,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

// Unit is one user-visible interaction. Values handed out by the Arena are
// copies; only the Arena mutates the stored unit.
type Unit struct {
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	Input      string            `json:"input"`
	Output     string            `json:"output"`
	Status     Status            `json:"status"`
	ToolCalls  []ToolCallRecord  `json:"tool_calls,omitempty"`
	Iterations []IterationRecord `json:"iterations,omitempty"`
	Metadata   Metadata          `json:"metadata"`
	CreatedAt  time.Time         `json:"created_at"`
}

// ToolCall returns the record with the given id.
func (u Unit) ToolCall(id string) (ToolCallRecord, bool) {
	for _, rec := range u.ToolCalls {
		if rec.ID == id {
			return rec, true
		}
	}
	return ToolCallRecord{}, false
}

func (u Unit) clone() Unit {
	out := u
	out.ToolCalls = make([]ToolCallRecord, len(u.ToolCalls))
	for i, rec := range u.ToolCalls {
		rec.Arguments = append(json.RawMessage(nil), rec.Arguments...)
		out.ToolCalls[i] = rec
	}
	out.Iterations = make([]IterationRecord, len(u.Iterations))
	for i, it := range u.Iterations {
		it.ToolCallIDs = append([]string(nil), it.ToolCallIDs...)
		out.Iterations[i] = it
	}
	if u.Metadata.ExitCode != nil {
		code := *u.Metadata.ExitCode
		out.Metadata.ExitCode = &code
	}
	return out
}
