// Package workspace fixes the on-disk layout of an emulator workspace:
// the snapshot, its page backing files, the runtime IR modules, and the
// persistent trace index.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// Workspace is a rooted directory layout.
type Workspace struct {
	root string
}

// New creates a workspace handle rooted at dir.
func New(dir string) *Workspace {
	return &Workspace{root: dir}
}

// Root returns the workspace root directory.
func (w *Workspace) Root() string { return w.root }

// SnapshotPath returns the snapshot file path.
func (w *Workspace) SnapshotPath() string {
	return filepath.Join(w.root, "snapshot")
}

// MemoryDir returns the directory of page backing files.
func (w *Workspace) MemoryDir() string {
	return filepath.Join(w.root, "memory")
}

// MemoryPath returns the backing file path for a named page range.
func (w *Workspace) MemoryPath(name string) string {
	return filepath.Join(w.MemoryDir(), name)
}

// RuntimeBitcodePath returns the source runtime module path.
func (w *Workspace) RuntimeBitcodePath() string {
	return filepath.Join(w.root, "runtime.bc")
}

// LocalRuntimeBitcodePath returns the path of the module persisted at
// shutdown, carrying newly lifted functions.
func (w *Workspace) LocalRuntimeBitcodePath() string {
	return filepath.Join(w.root, "runtime.local.bc")
}

// TraceDBPath returns the persistent trace index directory.
func (w *Workspace) TraceDBPath() string {
	return filepath.Join(w.root, "tracedb")
}

// EnsureDirs creates the workspace directories.
func (w *Workspace) EnsureDirs() error {
	for _, dir := range []string{w.root, w.MemoryDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create workspace dir %s: %w", dir, err)
		}
	}
	return nil
}
