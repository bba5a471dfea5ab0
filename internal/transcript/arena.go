package transcript

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type entry struct {
	unit   Unit
	output strings.Builder
}

// Arena owns every Unit and hands out copies by id. Live resources such as
// processes and tool sessions are tracked elsewhere by unit id, so a Unit is
// always plain data.
type Arena struct {
	mu    sync.RWMutex
	units map[string]*entry

	obsMu     sync.RWMutex
	observers map[int]Observer
	nextObs   int

	now func() time.Time
}

func NewArena() *Arena {
	return &Arena{
		units:     make(map[string]*entry),
		observers: make(map[int]Observer),
		now:       time.Now,
	}
}

// Subscribe registers o and returns a function that removes it.
func (a *Arena) Subscribe(o Observer) func() {
	a.obsMu.Lock()
	id := a.nextObs
	a.nextObs++
	a.observers[id] = o
	a.obsMu.Unlock()

	return func() {
		a.obsMu.Lock()
		delete(a.observers, id)
		a.obsMu.Unlock()
	}
}

func (a *Arena) notify(fn func(Observer)) {
	a.obsMu.RLock()
	ids := make([]int, 0, len(a.observers))
	for id := range a.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	obs := make([]Observer, 0, len(ids))
	for _, id := range ids {
		obs = append(obs, a.observers[id])
	}
	a.obsMu.RUnlock()

	for _, o := range obs {
		fn(o)
	}
}

// Create adds a pending unit.
func (a *Arena) Create(kind Kind, input string) Unit {
	u := Unit{
		ID:        uuid.NewString(),
		Kind:      kind,
		Input:     input,
		Status:    StatusPending,
		CreatedAt: a.now(),
	}

	a.mu.Lock()
	a.units[u.ID] = &entry{unit: u}
	a.mu.Unlock()

	return u.clone()
}

// Get returns a snapshot of the unit.
func (a *Arena) Get(id string) (Unit, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.units[id]
	if !ok {
		return Unit{}, false
	}
	return e.snapshot(), true
}

// List returns snapshots of all units, oldest first.
func (a *Arena) List() []Unit {
	a.mu.RLock()
	out := make([]Unit, 0, len(a.units))
	for _, e := range a.units {
		out = append(out, e.snapshot())
	}
	a.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (e *entry) snapshot() Unit {
	u := e.unit.clone()
	u.Output = e.output.String()
	return u
}

// mutate runs fn on a live, non-terminal unit.
func (a *Arena) mutate(id string, fn func(e *entry) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.units[id]
	if !ok {
		return ErrUnknownUnit
	}
	if e.unit.Status.Terminal() {
		return ErrUnitFinalized
	}
	return fn(e)
}

// AppendOutput appends text verbatim and publishes it.
func (a *Arena) AppendOutput(id, text string) error {
	if text == "" {
		return nil
	}
	err := a.mutate(id, func(e *entry) error {
		e.output.WriteString(text)
		return nil
	})
	if err != nil {
		return err
	}
	a.notify(func(o Observer) { o.OnOutputAppended(id, text) })
	return nil
}

// SetStatus moves the unit to status. Terminal statuses are final and stamp
// the elapsed time.
func (a *Arena) SetStatus(id string, status Status) error {
	changed := false
	err := a.mutate(id, func(e *entry) error {
		if e.unit.Status == status {
			return nil
		}
		e.unit.Status = status
		if status.Terminal() {
			e.unit.Metadata.Elapsed = a.now().Sub(e.unit.CreatedAt)
		}
		changed = true
		return nil
	})
	if err != nil || !changed {
		return err
	}
	a.notify(func(o Observer) { o.OnStatusChanged(id, status) })
	return nil
}

// AddToolCall appends a new record in emission order.
func (a *Arena) AddToolCall(id string, rec ToolCallRecord) error {
	if rec.Status == "" {
		rec.Status = CallQueued
	}
	err := a.mutate(id, func(e *entry) error {
		e.unit.ToolCalls = append(e.unit.ToolCalls, rec)
		return nil
	})
	if err != nil {
		return err
	}
	a.notify(func(o Observer) { o.OnToolCallUpdated(id, rec) })
	return nil
}

// UpdateToolCall applies fn to the record and publishes the result.
func (a *Arena) UpdateToolCall(id, callID string, fn func(*ToolCallRecord)) error {
	var updated ToolCallRecord
	err := a.mutate(id, func(e *entry) error {
		for i := range e.unit.ToolCalls {
			if e.unit.ToolCalls[i].ID == callID {
				fn(&e.unit.ToolCalls[i])
				updated = e.unit.ToolCalls[i]
				return nil
			}
		}
		return ErrUnknownToolCall
	})
	if err != nil {
		return err
	}
	a.notify(func(o Observer) { o.OnToolCallUpdated(id, updated) })
	return nil
}

// AddIteration appends an agent iteration record.
func (a *Arena) AddIteration(id string, rec IterationRecord) error {
	err := a.mutate(id, func(e *entry) error {
		e.unit.Iterations = append(e.unit.Iterations, rec)
		return nil
	})
	if err != nil {
		return err
	}
	a.notify(func(o Observer) { o.OnIterationRecorded(id, rec) })
	return nil
}

// UpdateMetadata applies fn to the unit's metadata.
func (a *Arena) UpdateMetadata(id string, fn func(*Metadata)) error {
	return a.mutate(id, func(e *entry) error {
		fn(&e.unit.Metadata)
		return nil
	})
}
