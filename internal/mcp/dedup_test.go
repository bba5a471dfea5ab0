package mcp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedupCancelledCallerDoesNotCancelOthers(t *testing.T) {
	d := newDedup(time.Second)
	release := make(chan struct{})
	started := make(chan struct{})
	calls := 0
	fn := func(ctx context.Context) (string, bool, error) {
		calls++
		close(started)
		select {
		case <-release:
			return "shared", false, nil
		case <-ctx.Done():
			return "", false, ErrCancelled
		}
	}

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leader := make(chan error, 1)
	go func() {
		_, _, err := d.do(leaderCtx, 1, fn)
		leader <- err
	}()
	<-started

	follower := make(chan string, 1)
	go func() {
		text, _, err := d.do(context.Background(), 1, fn)
		assert.NoError(t, err)
		follower <- text
	}()
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.entries[1] != nil && d.entries[1].waiters == 2
	}, time.Second, 5*time.Millisecond)

	cancelLeader()
	assert.ErrorIs(t, <-leader, ErrCancelled)

	close(release)
	select {
	case text := <-follower:
		assert.Equal(t, "shared", text)
	case <-time.After(2 * time.Second):
		t.Fatal("follower never got the shared result")
	}
	assert.Equal(t, 1, calls)
}

func TestDedupLastCallerLeavingCancelsCall(t *testing.T) {
	d := newDedup(time.Second)
	stopped := make(chan struct{})
	fn := func(ctx context.Context) (string, bool, error) {
		<-ctx.Done()
		close(stopped)
		return "", false, ErrCancelled
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, _, err := d.do(ctx, 7, fn)
	assert.ErrorIs(t, err, ErrCancelled)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("shared call was not cancelled")
	}
	assert.Zero(t, d.size())

	// A fresh caller starts a new call instead of inheriting the cancellation.
	text, _, err := d.do(context.Background(), 7, func(context.Context) (string, bool, error) {
		return "fresh", false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "fresh", text)
}
