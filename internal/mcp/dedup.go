package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// dedup shares one tool call between identical requests: callers arriving
// while a call is in flight wait for it, and a successful result is reused
// for window after it completes. The shared call runs on its own context and
// is cancelled only once every waiter has gone.
type dedup struct {
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[uint64]*dedupEntry
}

type dedupEntry struct {
	done    chan struct{}
	cancel  context.CancelFunc
	waiters int

	text     string
	isError  bool
	err      error
	finished time.Time
}

func newDedup(window time.Duration) *dedup {
	return &dedup{window: window, now: time.Now, entries: make(map[uint64]*dedupEntry)}
}

// key hashes server, tool and arguments. encoding/json sorts map keys, so
// argument order does not matter.
func dedupKey(server, tool string, args map[string]any) uint64 {
	payload, _ := json.Marshal(args)
	h := xxhash.New()
	_, _ = h.WriteString(server)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(tool)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(payload)
	return h.Sum64()
}

func (d *dedup) do(ctx context.Context, key uint64, fn func(context.Context) (string, bool, error)) (string, bool, error) {
	if d.window <= 0 {
		return fn(ctx)
	}

	d.mu.Lock()
	d.evictLocked()
	e, ok := d.entries[key]
	if !ok {
		callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		e = &dedupEntry{done: make(chan struct{}), cancel: cancel}
		d.entries[key] = e
		go d.run(callCtx, key, e, fn)
	}
	e.waiters++
	d.mu.Unlock()

	select {
	case <-e.done:
		return e.text, e.isError, e.err
	case <-ctx.Done():
		d.leave(key, e)
		return "", false, ErrCancelled
	}
}

func (d *dedup) run(ctx context.Context, key uint64, e *dedupEntry, fn func(context.Context) (string, bool, error)) {
	text, isError, err := fn(ctx)
	e.cancel()

	d.mu.Lock()
	e.text, e.isError, e.err = text, isError, err
	e.finished = d.now()
	if err != nil && d.entries[key] == e {
		delete(d.entries, key)
	}
	d.mu.Unlock()
	close(e.done)
}

// leave drops a cancelled waiter. The last one out cancels the shared call
// and forgets it, so later callers start fresh.
func (d *dedup) leave(key uint64, e *dedupEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e.waiters--
	if e.waiters > 0 || !e.finished.IsZero() {
		return
	}
	if d.entries[key] == e {
		delete(d.entries, key)
	}
	e.cancel()
}

func (d *dedup) evictLocked() {
	now := d.now()
	for k, e := range d.entries {
		if !e.finished.IsZero() && now.Sub(e.finished) > d.window {
			delete(d.entries, k)
		}
	}
}

func (d *dedup) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
