// Package workspace defines the on-disk layout shared by the trace, locate
// and reconstruct stages. The filesystem is the only handoff between
// stages: a root directory holding the trace log, the trace report and a
// spans/ directory of per-library manifests.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	traceLogName = "trace.log"
	reportName   = "trace.json"
	spansDirName = "spans"
)

// MissingInputError reports a required input file that does not exist.
type MissingInputError struct {
	Path string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("required input %s does not exist", e.Path)
}

// Workspace is a rooted directory layout.
type Workspace struct {
	Root string
}

func New(root string) *Workspace {
	return &Workspace{Root: root}
}

// Ensure creates the workspace directories.
func (w *Workspace) Ensure() error {
	return os.MkdirAll(w.SpansDir(), 0o755)
}

func (w *Workspace) TraceLogPath() string { return filepath.Join(w.Root, traceLogName) }
func (w *Workspace) ReportPath() string   { return filepath.Join(w.Root, reportName) }
func (w *Workspace) SpansDir() string     { return filepath.Join(w.Root, spansDirName) }
