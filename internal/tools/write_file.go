package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sourcegraph/go-diff/diff"
)

const maxDiffChars = 4000

type WriteFileTool struct {
	root string
}

func NewWriteFileTool(workingDir string) *WriteFileTool {
	root, err := filepath.Abs(workingDir)
	if err != nil {
		root = workingDir
	}
	return &WriteFileTool{root: root}
}

func (t *WriteFileTool) Name() string { return ToolNameWriteFile }

func (t *WriteFileTool) Description() string {
	return "Create or overwrite a file relative to the working directory. Parent directories are created as needed."
}

func (t *WriteFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file to write (relative to working directory)",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Full new file content",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(_ context.Context, params map[string]any) *Result {
	path, err := resolvePath(t.root, stringParam(params, "path", ""))
	if err != nil {
		return Errorf("Error: %v", err)
	}
	content, ok := params["content"].(string)
	if !ok {
		return Errorf("Error: content is required")
	}

	old, readErr := os.ReadFile(path)
	existed := readErr == nil
	if readErr != nil && !errors.Is(readErr, fs.ErrNotExist) {
		return Errorf("Error: %v", readErr)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Errorf("Error: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return Errorf("Error: %v", err)
	}

	rel := relativeTo(t.root, path)
	var b strings.Builder
	fmt.Fprintf(&b, "[Successfully wrote %d bytes to %s]", len(content), rel)
	if !existed {
		b.WriteString("\n[New file created]")
		return Text(b.String())
	}
	summary, err := diffSummary(rel, string(old), content)
	if err != nil {
		return Text(b.String())
	}
	b.WriteString("\n")
	b.WriteString(summary)
	return Text(b.String())
}

// diffSummary renders a unified diff of the change and a line count header.
func diffSummary(name, before, after string) (string, error) {
	if before == after {
		return "[No changes]", nil
	}
	unified, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "a/" + name,
		ToFile:   "b/" + name,
		Context:  3,
	})
	if err != nil {
		return "", err
	}
	fd, err := diff.ParseFileDiff([]byte(unified))
	if err != nil {
		return "", err
	}
	st := fd.Stat()
	body := unified
	if len(body) > maxDiffChars {
		body = body[:maxDiffChars] + "\n... (diff truncated)"
	}
	return fmt.Sprintf("[Diff: %d added, %d changed, %d deleted lines]\n%s",
		st.Added, st.Changed, st.Deleted, body), nil
}
