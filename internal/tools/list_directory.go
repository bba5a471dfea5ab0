package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

type ListDirectoryTool struct {
	root string
}

func NewListDirectoryTool(workingDir string) *ListDirectoryTool {
	root, err := filepath.Abs(workingDir)
	if err != nil {
		root = workingDir
	}
	return &ListDirectoryTool{root: root}
}

func (t *ListDirectoryTool) Name() string { return ToolNameListDirectory }

func (t *ListDirectoryTool) Description() string {
	return "List the entries of a directory relative to the working directory. Directories end with a slash."
}

func (t *ListDirectoryTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Directory to list (optional, defaults to the working directory)",
			},
			"show_hidden": map[string]any{
				"type":        "boolean",
				"description": "Include entries starting with a dot",
			},
		},
	}
}

func (t *ListDirectoryTool) Execute(_ context.Context, params map[string]any) *Result {
	path, err := resolvePath(t.root, stringParam(params, "path", "."))
	if err != nil {
		return Errorf("Error: %v", err)
	}
	showHidden := boolParam(params, "show_hidden", false)

	entries, err := os.ReadDir(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Errorf("Error: directory not found: %s", relativeTo(t.root, path))
		}
		return Errorf("Error: %v", err)
	}

	var b strings.Builder
	for _, e := range entries {
		name := e.Name()
		if !showHidden && strings.HasPrefix(name, ".") {
			continue
		}
		if e.IsDir() {
			fmt.Fprintf(&b, "%s/\n", name)
			continue
		}
		if info, err := e.Info(); err == nil && info.Mode().IsRegular() {
			fmt.Fprintf(&b, "%s (%d bytes)\n", name, info.Size())
		} else {
			fmt.Fprintf(&b, "%s\n", name)
		}
	}
	if b.Len() == 0 {
		return Text("(empty directory)")
	}
	return Text(b.String())
}
