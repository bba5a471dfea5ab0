package approval

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrUnknownRequest = errors.New("approval: unknown or already resolved request")

// Verdict is the resolution of an approval request.
type Verdict int

const (
	VerdictApproved Verdict = iota
	VerdictDenied
	VerdictDeniedByCancellation
	VerdictTimedOut
)

func (v Verdict) Approved() bool { return v == VerdictApproved }

func (v Verdict) String() string {
	switch v {
	case VerdictApproved:
		return "approved"
	case VerdictDenied:
		return "denied"
	case VerdictDeniedByCancellation:
		return "denied_by_cancellation"
	case VerdictTimedOut:
		return "timed_out"
	}
	return "unknown"
}

// Request describes a call awaiting a decision.
type Request struct {
	ID        string          `json:"id"`
	UnitID    string          `json:"unit_id"`
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Resolver fulfills approval requests. RequestApproval blocks until a
// decision arrives or ctx is done, in which case it returns
// VerdictDeniedByCancellation.
type Resolver interface {
	RequestApproval(ctx context.Context, req Request) Verdict
}

// Static answers every request with the same verdict.
type Static Verdict

func (s Static) RequestApproval(ctx context.Context, _ Request) Verdict {
	if ctx.Err() != nil {
		return VerdictDeniedByCancellation
	}
	return Verdict(s)
}

type pending struct {
	req   Request
	reply chan Verdict
}

// Broker holds outstanding requests until an external source resolves
// them, e.g. a terminal dialog or a remote client.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pending
	timeout time.Duration

	listenMu  sync.RWMutex
	listeners map[int]func(Request)
	nextID    int
}

// NewBroker returns a broker. A zero timeout waits indefinitely.
func NewBroker(timeout time.Duration) *Broker {
	return &Broker{
		pending:   make(map[string]*pending),
		listeners: make(map[int]func(Request)),
		timeout:   timeout,
	}
}

// OnRequest registers fn to be told about every new request.
func (b *Broker) OnRequest(fn func(Request)) func() {
	b.listenMu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	b.listenMu.Unlock()
	return func() {
		b.listenMu.Lock()
		delete(b.listeners, id)
		b.listenMu.Unlock()
	}
}

func (b *Broker) RequestApproval(ctx context.Context, req Request) Verdict {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	if ctx.Err() != nil {
		return VerdictDeniedByCancellation
	}

	p := &pending{req: req, reply: make(chan Verdict, 1)}
	b.mu.Lock()
	b.pending[req.ID] = p
	b.mu.Unlock()
	defer b.remove(req.ID)

	b.listenMu.RLock()
	for _, fn := range b.listeners {
		fn(req)
	}
	b.listenMu.RUnlock()

	var timeout <-chan time.Time
	if b.timeout > 0 {
		timer := time.NewTimer(b.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case v := <-p.reply:
		return v
	case <-ctx.Done():
		return VerdictDeniedByCancellation
	case <-timeout:
		return VerdictTimedOut
	}
}

func (b *Broker) remove(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// Resolve answers a pending request.
func (b *Broker) Resolve(id string, approved bool) error {
	b.mu.Lock()
	p, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok {
		return ErrUnknownRequest
	}

	v := VerdictDenied
	if approved {
		v = VerdictApproved
	}
	p.reply <- v
	return nil
}

// Pending lists unresolved requests, oldest first.
func (b *Broker) Pending() []Request {
	b.mu.Lock()
	out := make([]Request, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p.req)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
