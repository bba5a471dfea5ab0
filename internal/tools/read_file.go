package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const (
	maxReadChars = 50000
	// maxReadBytes always holds more than maxReadChars runes.
	maxReadBytes = maxReadChars*utf8.UTFMax + 1
)

var binaryExtensions = map[string]struct{}{
	".exe": {}, ".dll": {}, ".so": {}, ".dylib": {}, ".a": {},
	".o": {}, ".obj": {}, ".wasm": {}, ".class": {}, ".pyc": {},
}

type ReadFileTool struct {
	root string
}

func NewReadFileTool(workingDir string) *ReadFileTool {
	root, err := filepath.Abs(workingDir)
	if err != nil {
		root = workingDir
	}
	return &ReadFileTool{root: root}
}

func (t *ReadFileTool) Name() string { return ToolNameReadFile }

func (t *ReadFileTool) Description() string {
	return fmt.Sprintf("Read a text file relative to the working directory. Output longer than %d characters is truncated.", maxReadChars)
}

func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file to read (relative to working directory)",
			},
			"max_lines": map[string]any{
				"type":        "integer",
				"description": "Only return the first N lines (optional)",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(_ context.Context, params map[string]any) *Result {
	path, err := resolvePath(t.root, stringParam(params, "path", ""))
	if err != nil {
		return Errorf("Error: %v", err)
	}
	data, err := readHead(path, maxReadBytes)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Errorf("Error: file not found: %s", relativeTo(t.root, path))
		}
		return Errorf("Error: %v", err)
	}
	if isLikelyBinaryFile(path, data) {
		return Errorf("Error: %s looks like a binary file", relativeTo(t.root, path))
	}

	content := string(data)
	if maxLines := intParam(params, "max_lines", 0); maxLines > 0 {
		lines := strings.SplitAfter(content, "\n")
		if len(lines) > maxLines {
			content = strings.Join(lines[:maxLines], "")
		}
	}
	if head, cut := truncateRunes(content, maxReadChars); cut {
		content = head + fmt.Sprintf("\n... (truncated at %d chars)", maxReadChars)
	}
	return Text(content)
}

// readHead reads at most limit bytes of the file at path.
func readHead(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, limit))
}

// truncateRunes keeps the first n runes of s.
func truncateRunes(s string, n int) (string, bool) {
	count := 0
	for i := range s {
		if count == n {
			return s[:i], true
		}
		count++
	}
	return s, false
}

func isLikelyBinaryFile(path string, data []byte) bool {
	if _, ok := binaryExtensions[strings.ToLower(filepath.Ext(path))]; ok {
		return true
	}
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	for _, c := range head {
		if c == 0 {
			return true
		}
	}
	return false
}
