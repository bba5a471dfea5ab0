//go:build !windows

package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/nullterm/internal/config"
	"github.com/codefionn/nullterm/internal/pty"
	"github.com/codefionn/nullterm/internal/transcript"
)

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"exec", "chat", "tools", "agent", "mcp", "serve"}, names)

	for _, flag := range []string{"config", "log-level", "provider", "model", "dir", "yes"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}
}

func TestRootOptionsApply(t *testing.T) {
	cfg := config.DefaultConfig()
	opts := &rootOptions{provider: "openai", model: "gpt-4o", yes: true, logLevel: "debug", workingDir: "/tmp"}
	opts.apply(cfg)

	assert.Equal(t, "openai", cfg.Provider.Name)
	assert.Equal(t, "gpt-4o", cfg.Provider.Model)
	assert.True(t, cfg.Approval.AutoApproveAll)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/tmp", cfg.WorkingDir)

	untouched := config.DefaultConfig()
	(&rootOptions{}).apply(untouched)
	assert.Equal(t, config.DefaultConfig(), untouched)
}

func TestReadPrompt(t *testing.T) {
	got, err := readPrompt(strings.NewReader("ignored"), []string{"list", "files"})
	require.NoError(t, err)
	assert.Equal(t, "list files", got)

	got, err = readPrompt(strings.NewReader("  from stdin\n"), nil)
	require.NoError(t, err)
	assert.Equal(t, "from stdin", got)

	_, err = readPrompt(strings.NewReader("   "), nil)
	assert.Error(t, err)
}

func TestUnitResult(t *testing.T) {
	code := func(n int) *int { return &n }

	assert.NoError(t, unitResult(&transcript.Unit{Status: transcript.StatusCompleted}))
	assert.NoError(t, unitResult(&transcript.Unit{Status: transcript.StatusCompleted, Metadata: transcript.Metadata{ExitCode: code(0)}}))
	assert.Equal(t, exitCodeError{code: 3}, unitResult(&transcript.Unit{Status: transcript.StatusCompleted, Metadata: transcript.Metadata{ExitCode: code(3)}}))
	assert.Equal(t, exitCodeError{code: 130}, unitResult(&transcript.Unit{Status: transcript.StatusCancelled}))
	assert.Equal(t, exitCodeError{code: 1}, unitResult(&transcript.Unit{Status: transcript.StatusFailed}))
}

func TestCRLFWriter(t *testing.T) {
	var buf bytes.Buffer
	n, err := crlfWriter{w: &buf}.Write([]byte("a\nb\n"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "a\r\nb\r\n", buf.String())
}

func TestMCPListWithoutServers(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("XDG_STATE_HOME", dir)

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--config", dir + "/missing.json", "mcp", "list"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "No MCP servers configured.")
}

func TestExecCommand(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("XDG_STATE_HOME", dir)

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--config", dir + "/missing.json", "-C", dir, "exec", "echo", "hello"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "hello\n", out.String())

	root = newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"--config", dir + "/missing.json", "-C", dir, "exec", "exit 4"})
	assert.Equal(t, exitCodeError{code: 4}, root.Execute())
}

func TestExecTimeout(t *testing.T) {
	assert.Equal(t, pty.NoTimeout, execTimeout(0))
	assert.Equal(t, pty.NoTimeout, execTimeout(-time.Second))
	assert.Equal(t, 3*time.Second, execTimeout(3*time.Second))

	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("XDG_STATE_HOME", dir)

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"--config", dir + "/missing.json", "-C", dir, "exec", "--timeout", "200ms", "sleep", "10"})
	start := time.Now()
	assert.Equal(t, exitCodeError{code: 1}, root.Execute())
	assert.Less(t, time.Since(start), 8*time.Second)
}
