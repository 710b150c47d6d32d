// Package statedir lays out and manages kestrel's on-disk state
// directory: session logs and snapshots, the memory databases, the
// cost ledger, the PID file, and the liveness monitor file a process
// supervisor can watch.
package statedir

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// Layout resolves the concrete paths under a root state directory.
type Layout struct {
	Root string
}

// New returns a Layout rooted at root.
func New(root string) Layout {
	return Layout{Root: root}
}

// SessionsDir holds one subdirectory per session (snapshot.json,
// session.json, and daily log-YYYY-MM-DD.jsonl files).
func (l Layout) SessionsDir() string { return filepath.Join(l.Root, "sessions") }

// ArchiveDir is created by Ensure. Nothing moves session data into it:
// a closed session's files stay under SessionsDir.
func (l Layout) ArchiveDir() string { return filepath.Join(l.Root, "archive") }

// MemoryDBPath is the unstructured (chunks/FTS5) memory database.
func (l Layout) MemoryDBPath() string { return filepath.Join(l.Root, "memory.db") }

// StructuredDBPath is the structured (facts/episodes/commitments)
// memory database.
func (l Layout) StructuredDBPath() string { return filepath.Join(l.Root, "structured.db") }

// CostLedgerPath is the append-only cost ledger.
func (l Layout) CostLedgerPath() string { return filepath.Join(l.Root, "cost.jsonl") }

// PIDFilePath is the running daemon's PID file.
func (l Layout) PIDFilePath() string { return filepath.Join(l.Root, "kestrel.pid") }

// MonitorPath is touched periodically by the daemon's main loop; a
// process supervisor can alert if its mtime goes stale.
func (l Layout) MonitorPath() string { return filepath.Join(l.Root, "monitor") }

// WorkspaceDir is the root that file/exec tools are sandboxed to.
func (l Layout) WorkspaceDir() string { return filepath.Join(l.Root, "workspace") }

// Ensure creates every directory in the layout, idempotently.
func (l Layout) Ensure() error {
	dirs := []string{l.Root, l.SessionsDir(), l.ArchiveDir(), l.WorkspaceDir()}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return fmt.Errorf("statedir: mkdir %s: %w", d, err)
		}
	}
	return nil
}

// TouchMonitor updates the monitor file's mtime to now, creating it if
// absent.
func (l Layout) TouchMonitor() error {
	path := l.MonitorPath()
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("statedir: touch monitor: %w", err)
		}
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("statedir: create monitor: %w", err)
		}
		return f.Close()
	}
	return nil
}

// WritePID writes the current process's PID to the PID file,
// refusing to overwrite a PID file belonging to a still-running
// process (guards against two daemons sharing one state directory).
func WritePID(path string) error {
	if existing, err := os.ReadFile(path); err == nil {
		var pid int
		if _, scanErr := fmt.Sscanf(string(existing), "%d", &pid); scanErr == nil && pid > 0 {
			if processAlive(pid) {
				return fmt.Errorf("statedir: pid file %s already claimed by running process %d", path, pid)
			}
		}
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
