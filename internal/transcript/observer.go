package transcript

// Observer receives update notifications for units. Calls for one unit
// arrive in mutation order. Implementations must not block for long.
type Observer interface {
	OnOutputAppended(unitID, text string)
	OnToolCallUpdated(unitID string, rec ToolCallRecord)
	OnStatusChanged(unitID string, status Status)
	OnIterationRecorded(unitID string, rec IterationRecord)
}

// NopObserver can be embedded to implement only some callbacks.
type NopObserver struct{}

func (NopObserver) OnOutputAppended(string, string)             {}
func (NopObserver) OnToolCallUpdated(string, ToolCallRecord)    {}
func (NopObserver) OnStatusChanged(string, Status)              {}
func (NopObserver) OnIterationRecorded(string, IterationRecord) {}

// ObserverFuncs adapts plain functions. Nil fields are skipped.
type ObserverFuncs struct {
	Output    func(unitID, text string)
	ToolCall  func(unitID string, rec ToolCallRecord)
	Status    func(unitID string, status Status)
	Iteration func(unitID string, rec IterationRecord)
}

func (f ObserverFuncs) OnOutputAppended(unitID, text string) {
	if f.Output != nil {
		f.Output(unitID, text)
	}
}

func (f ObserverFuncs) OnToolCallUpdated(unitID string, rec ToolCallRecord) {
	if f.ToolCall != nil {
		f.ToolCall(unitID, rec)
	}
}

func (f ObserverFuncs) OnStatusChanged(unitID string, status Status) {
	if f.Status != nil {
		f.Status(unitID, status)
	}
}

func (f ObserverFuncs) OnIterationRecorded(unitID string, rec IterationRecord) {
	if f.Iteration != nil {
		f.Iteration(unitID, rec)
	}
}

// Observers fans every callback out to each non-nil member in order.
type Observers []Observer

func (obs Observers) OnOutputAppended(unitID, text string) {
	for _, o := range obs {
		if o != nil {
			o.OnOutputAppended(unitID, text)
		}
	}
}

func (obs Observers) OnToolCallUpdated(unitID string, rec ToolCallRecord) {
	for _, o := range obs {
		if o != nil {
			o.OnToolCallUpdated(unitID, rec)
		}
	}
}

func (obs Observers) OnStatusChanged(unitID string, status Status) {
	for _, o := range obs {
		if o != nil {
			o.OnStatusChanged(unitID, status)
		}
	}
}

func (obs Observers) OnIterationRecorded(unitID string, rec IterationRecord) {
	for _, o := range obs {
		if o != nil {
			o.OnIterationRecorded(unitID, rec)
		}
	}
}
