// Package cost implements the append-only cost ledger backing the
// control API's /cost operation.
package cost

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/kestrel-ai/kestrel/pkg/models"
)

// Ledger is an append-only file of CostRecords plus an in-memory
// running total, so /cost queries never need to re-scan the file.
type Ledger struct {
	mu    sync.Mutex
	file  *os.File
	total float64
	bySession map[string]float64
}

// Open opens (creating and replaying if necessary) the cost ledger at
// path.
func Open(path string) (*Ledger, error) {
	l := &Ledger{bySession: make(map[string]float64)}
	if err := l.replay(path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cost: open ledger: %w", err)
	}
	l.file = f
	return l, nil
}

func (l *Ledger) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("cost: replay ledger: %w", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var rec models.CostRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		l.total += rec.CostUSD
		l.bySession[rec.SessionID] += rec.CostUSD
	}
	return scanner.Err()
}

// Record appends rec and updates running totals.
func (l *Ledger) Record(rec models.CostRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("cost: append: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	l.total += rec.CostUSD
	l.bySession[rec.SessionID] += rec.CostUSD
	return nil
}

// Total returns the running total across all sessions.
func (l *Ledger) Total() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// BySession returns the running total for one session.
func (l *Ledger) BySession(sessionID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bySession[sessionID]
}

// Close closes the underlying file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
