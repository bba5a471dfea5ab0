// Package eventfeed broadcasts transcript events over websockets and accepts
// remote approval decisions over HTTP.
package eventfeed

import (
	"time"

	"github.com/codefionn/nullterm/internal/approval"
	"github.com/codefionn/nullterm/internal/transcript"
)

// Event types
const (
	EventOutput          = "output"
	EventToolCall        = "tool_call"
	EventStatus          = "status"
	EventIteration       = "iteration"
	EventApprovalRequest = "approval_request"

	// Inbound from clients.
	EventApprovalResponse = "approval_response"
	EventCancel           = "cancel"
	EventError            = "error"
)

// Event is one message on the feed.
type Event struct {
	Type      string                      `json:"type"`
	UnitID    string                      `json:"unit_id,omitempty"`
	Text      string                      `json:"text,omitempty"`
	Status    transcript.Status           `json:"status,omitempty"`
	ToolCall  *transcript.ToolCallRecord  `json:"tool_call,omitempty"`
	Iteration *transcript.IterationRecord `json:"iteration,omitempty"`
	Approval  *approval.Request           `json:"approval,omitempty"`
	// ID and Approved carry an approval_response from a client.
	ID        string    `json:"id,omitempty"`
	Approved  bool      `json:"approved,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
