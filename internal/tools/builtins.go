package tools

import (
	"time"

	"github.com/codefionn/nullterm/internal/pty"
)

// RegisterBuiltins adds the four local tools. read_file and list_directory are
// read-only; run_command and write_file need approval.
func RegisterBuiltins(r *Registry, workingDir string, sup *pty.Supervisor, commandTimeout time.Duration) {
	r.Register(NewRunCommandTool(sup, workingDir, commandTimeout))
	r.Register(NewReadFileTool(workingDir), ReadOnly())
	r.Register(NewWriteFileTool(workingDir))
	r.Register(NewListDirectoryTool(workingDir), ReadOnly())
}
