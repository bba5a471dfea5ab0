package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"warning": LevelWarn,
		"Error":   LevelError,
		"off":     LevelNone,
		"bogus":   LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestLoggerFormatAndFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, LevelInfo)
	l.sink.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 6000000, time.UTC) }

	l.Debug("hidden")
	l.Named("pty").Named("reader").Info("read %d bytes", 12)

	assert.Equal(t, "2024-01-02 03:04:05.006 [INFO] [pty:reader] read 12 bytes\n", buf.String())
}

func TestLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "nullterm.log")
	l, err := New(Options{Level: LevelDebug, Path: path})
	require.NoError(t, err)

	l.Warn("disk %s", "full")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[WARN] disk full")
}

func TestNoneLevelDiscards(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, LevelNone)
	l.Error("nothing")
	assert.Empty(t, buf.String())
}

func TestSlogBridge(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, LevelDebug)

	l.Slog().With("server", "fs").WithGroup("rpc").Info("call", "id", 7)

	line := buf.String()
	assert.True(t, strings.HasSuffix(line, "call server=fs rpc.id=7\n"), line)
}
