package mcp

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/nullterm/internal/logger"
)

func connectHelper(t *testing.T, mode string) *Session {
	t.Helper()
	sess, err := Connect(context.Background(), helperServer("fake", mode), logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func TestConnectHandshake(t *testing.T) {
	sess := connectHelper(t, "ok")

	assert.Equal(t, StateReady, sess.State())
	assert.Equal(t, "fake", sess.ServerInfo().ServerInfo.Name)
	names := []string{}
	for _, tool := range sess.Tools() {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"echo", "sleep", "count"}, names)
}

func TestConnectFailures(t *testing.T) {
	for _, mode := range []string{"badinit", "exit"} {
		t.Run(mode, func(t *testing.T) {
			sess, err := Connect(context.Background(), helperServer("fake", mode), logger.Nop())
			require.Error(t, err)
			assert.Nil(t, sess)
		})
	}

	_, err := Connect(context.Background(), ServerConfig{Name: "nothing"}, logger.Nop())
	assert.ErrorContains(t, err, "command is required")
}

func TestCallToolJoinsText(t *testing.T) {
	sess := connectHelper(t, "ok")

	res, err := sess.CallTool(context.Background(), "echo", map[string]any{"text": "hi"}, 0)
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "hi\ndone", res.Text())

	res, err = sess.CallTool(context.Background(), "fail", nil, 0)
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "it broke", res.Text())

	_, err = sess.CallTool(context.Background(), "nope", nil, 0)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32602, rpcErr.Code)
}

func TestRepliesRoutedByID(t *testing.T) {
	sess := connectHelper(t, "ok")

	// The slower call is issued first, so replies arrive out of order.
	var wg sync.WaitGroup
	results := make([]string, 2)
	for i, ms := range []float64{300, 10} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := sess.CallTool(context.Background(), "sleep", map[string]any{"ms": ms}, 0)
			if assert.NoError(t, err) {
				results[i] = res.Text()
			}
		}()
		time.Sleep(20 * time.Millisecond)
	}
	wg.Wait()
	assert.Equal(t, []string{"slept 300", "slept 10"}, results)
}

func TestUnknownIDsAndGarbageDropped(t *testing.T) {
	sess := connectHelper(t, "noisy")

	res, err := sess.CallTool(context.Background(), "echo", map[string]any{"text": "x"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "x\ndone", res.Text())
	assert.Equal(t, StateReady, sess.State())
}

func TestTimeoutKeepsSessionUsable(t *testing.T) {
	sess := connectHelper(t, "ok")

	_, err := sess.CallTool(context.Background(), "sleep", map[string]any{"ms": 500}, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StateReady, sess.State())

	res, err := sess.CallTool(context.Background(), "echo", map[string]any{"text": "still here"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "still here\ndone", res.Text())

	// The late reply for the timed-out request is dropped.
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, StateReady, sess.State())
}

func TestCancelResolvesPendingCall(t *testing.T) {
	sess := connectHelper(t, "ok")
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := sess.CallTool(ctx, "sleep", map[string]any{"ms": 2000}, 0)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestStuckWriteHonorsTimeoutAndCancel(t *testing.T) {
	sess := connectHelper(t, "stall")
	big := map[string]any{"text": strings.Repeat("x", 4<<20)}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	start := time.Now()
	_, err := sess.CallTool(ctx, "echo", big, time.Minute)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Less(t, time.Since(start), 2*time.Second)

	// The first write still holds the pipe; this one times out behind it.
	start = time.Now()
	_, err = sess.CallTool(context.Background(), "echo", map[string]any{"text": "hi"}, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StateBroken, sess.State())
	assert.ErrorIs(t, sess.LastError(), ErrConnectionReset)
}

func TestReconnectFailsOutstanding(t *testing.T) {
	sess := connectHelper(t, "ok")

	errCh := make(chan error, 1)
	go func() {
		_, err := sess.CallTool(context.Background(), "sleep", map[string]any{"ms": 3000}, 0)
		errCh <- err
	}()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, sess.Reconnect(context.Background()))
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrConnectionReset)
	case <-time.After(2 * time.Second):
		t.Fatal("outstanding call not resolved by reconnect")
	}

	assert.Equal(t, StateReady, sess.State())
	res, err := sess.CallTool(context.Background(), "echo", map[string]any{"text": "again"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "again\ndone", res.Text())
}

func TestCloseResolvesPending(t *testing.T) {
	sess, err := Connect(context.Background(), helperServer("fake", "ok"), logger.Nop())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := sess.CallTool(context.Background(), "sleep", map[string]any{"ms": 3000}, 0)
		errCh <- err
	}()
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, sess.Close())

	err = <-errCh
	assert.True(t, errors.Is(err, ErrClosed) || errors.Is(err, ErrConnectionReset), "got %v", err)
	assert.Equal(t, StateClosed, sess.State())

	_, err = sess.CallTool(context.Background(), "echo", nil, 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestServerExitBreaksSession(t *testing.T) {
	sess := connectHelper(t, "ok")

	sess.mu.Lock()
	proc := sess.conn.cmd.Process
	sess.mu.Unlock()
	require.NoError(t, proc.Kill())

	assert.Eventually(t, func() bool { return sess.State() == StateBroken }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, sess.LastError(), ErrConnectionReset)
	_, err := sess.CallTool(context.Background(), "echo", nil, 0)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestResources(t *testing.T) {
	sess := connectHelper(t, "ok")

	res, err := sess.ListResources(context.Background())
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "mem://readme", res[0].URI)

	text, err := sess.ReadResource(context.Background(), "mem://readme")
	require.NoError(t, err)
	assert.Equal(t, "hello resource", text)
}
