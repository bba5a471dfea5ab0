package eventfeed

import (
	"time"

	"github.com/codefionn/nullterm/internal/transcript"
)

// observer turns arena notifications into feed events.
type observer struct {
	hub *Hub
}

func (o *observer) OnOutputAppended(unitID, text string) {
	o.hub.Broadcast(&Event{Type: EventOutput, UnitID: unitID, Text: text, Timestamp: time.Now()})
}

func (o *observer) OnToolCallUpdated(unitID string, rec transcript.ToolCallRecord) {
	o.hub.Broadcast(&Event{Type: EventToolCall, UnitID: unitID, ToolCall: &rec, Timestamp: time.Now()})
}

func (o *observer) OnStatusChanged(unitID string, status transcript.Status) {
	o.hub.Broadcast(&Event{Type: EventStatus, UnitID: unitID, Status: status, Timestamp: time.Now()})
}

func (o *observer) OnIterationRecorded(unitID string, rec transcript.IterationRecord) {
	o.hub.Broadcast(&Event{Type: EventIteration, UnitID: unitID, Iteration: &rec, Timestamp: time.Now()})
}
