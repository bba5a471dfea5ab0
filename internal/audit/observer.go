package audit

import (
	"github.com/codefionn/nullterm/internal/transcript"
)

// Observer writes terminal tool call records and unit status changes to the
// store. Intermediate tool call states are skipped.
type Observer struct {
	transcript.NopObserver
	store *Store
	arena *transcript.Arena
}

// Attach subscribes a new observer to arena and returns the unsubscribe func.
func Attach(store *Store, arena *transcript.Arena) func() {
	return arena.Subscribe(&Observer{store: store, arena: arena})
}

func (o *Observer) OnToolCallUpdated(unitID string, rec transcript.ToolCallRecord) {
	if !rec.Status.Terminal() {
		return
	}
	if err := o.store.RecordToolCall(unitID, rec); err != nil {
		o.store.log.Warn("%v", err)
	}
}

func (o *Observer) OnStatusChanged(unitID string, _ transcript.Status) {
	u, ok := o.arena.Get(unitID)
	if !ok {
		return
	}
	if err := o.store.RecordUnit(u); err != nil {
		o.store.log.Warn("%v", err)
	}
}
