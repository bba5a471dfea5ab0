package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\ntwo\nthree\n"), 0o644))
	tool := NewReadFileTool(dir)

	res := tool.Execute(context.Background(), map[string]any{"path": "a.txt"})
	assert.False(t, res.IsError)
	assert.Equal(t, "one\ntwo\nthree\n", res.Content)

	res = tool.Execute(context.Background(), map[string]any{"path": "a.txt", "max_lines": 2})
	assert.Equal(t, "one\ntwo\n", res.Content)

	res = tool.Execute(context.Background(), map[string]any{"path": "missing.txt"})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "file not found")
}

func TestReadFileTruncates(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "big.txt"), []byte(strings.Repeat("x", maxReadChars+10)), 0o644))

	res := NewReadFileTool(dir).Execute(context.Background(), map[string]any{"path": "big.txt"})
	assert.False(t, res.IsError)
	assert.True(t, strings.HasSuffix(res.Content, "\n... (truncated at 50000 chars)"))
	assert.Len(t, res.Content, maxReadChars+len("\n... (truncated at 50000 chars)"))
}

func TestReadFileTruncatesOnRuneBoundary(t *testing.T) {
	dir := t.TempDir()
	// Large enough that only the head of the file is read.
	content := strings.Repeat("ä", maxReadBytes)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wide.txt"), []byte(content), 0o644))

	res := NewReadFileTool(dir).Execute(context.Background(), map[string]any{"path": "wide.txt"})
	require.False(t, res.IsError)
	body, found := strings.CutSuffix(res.Content, "\n... (truncated at 50000 chars)")
	require.True(t, found)
	assert.True(t, utf8.ValidString(body))
	assert.Equal(t, maxReadChars, utf8.RuneCountInString(body))

	head, cut := truncateRunes("héllo", 2)
	assert.True(t, cut)
	assert.Equal(t, "hé", head)
	head, cut = truncateRunes("hé", 2)
	assert.False(t, cut)
	assert.Equal(t, "hé", head)
}

func TestReadFileRejectsBinary(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blob"), []byte{0x7f, 'E', 0, 1}, 0o644))

	res := NewReadFileTool(dir).Execute(context.Background(), map[string]any{"path": "blob"})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "binary")
}

func TestPathsStayInsideWorkingDir(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(dir, "escape")))

	for _, p := range []string{"../x", "/etc/passwd", "escape/file.txt"} {
		t.Run(p, func(t *testing.T) {
			res := NewWriteFileTool(dir).Execute(context.Background(), map[string]any{"path": p, "content": "x"})
			assert.True(t, res.IsError)
			assert.Contains(t, res.Content, ErrOutsideWorkingDir.Error())
		})
	}
	_, err := os.Stat(filepath.Join(outside, "file.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	tool := NewWriteFileTool(dir)

	res := tool.Execute(context.Background(), map[string]any{"path": "sub/dir/new.txt", "content": "a\nb\n"})
	require.False(t, res.IsError, res.Content)
	assert.Equal(t, "[Successfully wrote 4 bytes to sub/dir/new.txt]\n[New file created]", res.Content)

	data, err := os.ReadFile(filepath.Join(dir, "sub", "dir", "new.txt"))
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", string(data))

	res = tool.Execute(context.Background(), map[string]any{"path": "sub/dir/new.txt", "content": "a\nc\nd\n"})
	require.False(t, res.IsError, res.Content)
	assert.Contains(t, res.Content, "[Successfully wrote 6 bytes to sub/dir/new.txt]")
	assert.Contains(t, res.Content, "--- a/sub/dir/new.txt")
	assert.Contains(t, res.Content, "+++ b/sub/dir/new.txt")
	assert.Contains(t, res.Content, "-b\n")
	assert.Contains(t, res.Content, "+c\n")

	res = tool.Execute(context.Background(), map[string]any{"path": "sub/dir/new.txt", "content": "a\nc\nd\n"})
	assert.Contains(t, res.Content, "[No changes]")

	res = tool.Execute(context.Background(), map[string]any{"path": "x.txt"})
	assert.True(t, res.IsError)
}

func TestListDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("X=1"), 0o644))
	tool := NewListDirectoryTool(dir)

	res := tool.Execute(context.Background(), map[string]any{})
	require.False(t, res.IsError)
	assert.Equal(t, "main.go (13 bytes)\npkg/\n", res.Content)

	res = tool.Execute(context.Background(), map[string]any{"show_hidden": true})
	assert.Equal(t, ".env (3 bytes)\nmain.go (13 bytes)\npkg/\n", res.Content)

	res = tool.Execute(context.Background(), map[string]any{"path": "pkg"})
	assert.Equal(t, "(empty directory)", res.Content)
}
