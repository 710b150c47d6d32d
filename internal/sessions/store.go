// Package sessions implements the append-only event log plus atomic
// snapshot session manager: every mutation is first applied to the
// in-memory state and flushed to a snapshot file via
// write-temp-then-rename (so a reader never observes a half-written
// snapshot), and only then appended to a per-day log file.
package sessions

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kestrel-ai/kestrel/pkg/models"
)

// ErrNotFound is returned when a session id has no known state.
var ErrNotFound = errors.New("sessions: session not found")

// ErrClosed is returned when an operation targets a closed session.
var ErrClosed = errors.New("sessions: session is closed")

// PreCompactionHook runs synchronously before a session's transcript is
// mutated by compaction, so callers can snapshot anything they need
// (e.g. flush a pending memory consolidation window) against the
// pre-compaction state.
type PreCompactionHook func(ctx context.Context, snap models.StateSnapshot) error

// CloseHook runs synchronously when a session transitions to closed.
type CloseHook func(ctx context.Context, snap models.StateSnapshot) error

// Store is the Session Manager's operation surface (spec §4.2).
type Store interface {
	GetOrCreate(ctx context.Context, senderID string, source models.Source) (*models.Session, error)
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	AppendMessage(ctx context.Context, sessionID string, msg models.Message) error
	Snapshot(ctx context.Context, sessionID string) (models.StateSnapshot, error)
	SetWarning(ctx context.Context, sessionID, warning string) error
	ClearWarning(ctx context.Context, sessionID string) error
	Close(ctx context.Context, sessionID string) error
	List(ctx context.Context) ([]*models.Session, error)
	History(ctx context.Context, sessionID string, limit int) ([]models.Message, error)
	AddPreCompactionHook(h PreCompactionHook)
	AddCloseHook(h CloseHook)
}

// fileState is the in-memory, mutex-guarded working copy of one
// session's durable state.
type fileState struct {
	session  models.Session
	snapshot models.StateSnapshot
	logFile  *os.File
	logPath  string
}

// FileStore is the on-disk Store implementation. One daily log file
// per session-day plus one snapshot file per session, both rooted at
// Dir.
//
// Layout (see SPEC_FULL.md §6 persisted state):
//
//	<Dir>/sessions/<sessionID>/snapshot.json
//	<Dir>/sessions/<sessionID>/log-<YYYY-MM-DD>.jsonl
type FileStore struct {
	mu      sync.Mutex
	dir     string
	byID    map[string]*fileState
	byKey   map[string]string // senderID|source -> sessionID
	compact *Compactor

	preHooks   []PreCompactionHook
	closeHooks []CloseHook
}

// NewFileStore opens (creating if necessary) a FileStore rooted at dir.
func NewFileStore(dir string, compact *Compactor) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "sessions"), 0o755); err != nil {
		return nil, fmt.Errorf("sessions: create state dir: %w", err)
	}
	fs := &FileStore{dir: dir, byID: make(map[string]*fileState), byKey: make(map[string]string), compact: compact}
	if err := fs.loadExisting(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileStore) loadExisting() error {
	root := filepath.Join(fs.dir, "sessions")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id := e.Name()
		snapPath := filepath.Join(root, id, "snapshot.json")
		var snap models.StateSnapshot
		data, err := os.ReadFile(snapPath)
		if err != nil || json.Unmarshal(data, &snap) != nil {
			// Missing or corrupt snapshot: the event log is still the
			// audit trail (S2), so rebuild the snapshot by replaying it
			// rather than dropping the session outright.
			replayed, rerr := ReplayLog(fs.dir, id)
			if rerr != nil {
				continue
			}
			snap = replayed
		}
		sessPath := filepath.Join(root, id, "session.json")
		var sess models.Session
		sessData, err := os.ReadFile(sessPath)
		if err == nil {
			_ = json.Unmarshal(sessData, &sess)
		}
		if sess.ID == "" {
			sess.ID = id
		}
		if snap.SessionID == "" {
			snap.SessionID = id
		}
		st := &fileState{session: sess, snapshot: snap}
		fs.byID[sess.ID] = st
		fs.byKey[sessionKey(sess.SenderID, sess.Source)] = sess.ID
	}
	return nil
}

func sessionKey(senderID string, source models.Source) string {
	return string(source) + "|" + senderID
}

func (fs *FileStore) sessionDir(id string) string {
	return filepath.Join(fs.dir, "sessions", id)
}

func (fs *FileStore) AddPreCompactionHook(h PreCompactionHook) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.preHooks = append(fs.preHooks, h)
}

func (fs *FileStore) AddCloseHook(h CloseHook) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.closeHooks = append(fs.closeHooks, h)
}

// GetOrCreate returns the session for (senderID, source), creating one
// (and its on-disk directory, logging a session_opened event) if none
// exists yet. Invariant S1: one session per (senderID, source) pair.
func (fs *FileStore) GetOrCreate(ctx context.Context, senderID string, source models.Source) (*models.Session, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	key := sessionKey(senderID, source)
	if id, ok := fs.byKey[key]; ok {
		st := fs.byID[id]
		if st.session.ClosedAt == nil {
			sess := st.session
			return &sess, nil
		}
	}

	now := time.Now()
	sess := models.Session{
		ID:        uuid.NewString(),
		SenderID:  senderID,
		Source:    source,
		CreatedAt: now,
		UpdatedAt: now,
	}
	dir := fs.sessionDir(sess.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sessions: create session dir: %w", err)
	}
	st := &fileState{session: sess, snapshot: models.StateSnapshot{SessionID: sess.ID, UpdatedAt: now}}
	if err := fs.openLog(st); err != nil {
		return nil, err
	}
	if err := fs.writeSessionMeta(st); err != nil {
		return nil, err
	}
	if err := fs.writeSnapshot(st); err != nil {
		return nil, err
	}
	if err := fs.appendEvent(st, models.EventSessionOpened, sess); err != nil {
		return nil, err
	}
	fs.byID[sess.ID] = st
	fs.byKey[key] = sess.ID
	out := st.session
	return &out, nil
}

func (fs *FileStore) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	st, ok := fs.byID[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	out := st.session
	return &out, nil
}

// openLog opens (creating/appending) today's log file for st.
func (fs *FileStore) openLog(st *fileState) error {
	if st.logFile != nil {
		name := filepath.Base(st.logPath)
		if name == logFileName(time.Now()) {
			return nil
		}
		st.logFile.Close()
		st.logFile = nil
	}
	dir := fs.sessionDir(st.session.ID)
	path := filepath.Join(dir, logFileName(time.Now()))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("sessions: open log: %w", err)
	}
	st.logFile = f
	st.logPath = path
	return nil
}

func logFileName(t time.Time) string {
	return "log-" + t.Format("2006-01-02") + ".jsonl"
}

// appendEvent records a mutation to the per-day log for audit/replay
// purposes (S2). Callers apply the mutation to st.snapshot and persist
// it via writeSnapshot/writeSessionMeta FIRST; appendEvent is called
// last, after the snapshot already reflects the change (invariant I2:
// the snapshot is never written after supplementary operations — the
// event log is supplementary to the snapshot, not the other way
// around, so a crash between snapshot and event-append loses only an
// audit entry, never an observable piece of session state).
func (fs *FileStore) appendEvent(st *fileState, kind models.EventKind, payload any) error {
	if err := fs.openLog(st); err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sessions: marshal event payload: %w", err)
	}
	st.snapshot.LastEventSeq++
	ev := models.Event{
		Seq:       st.snapshot.LastEventSeq,
		SessionID: st.session.ID,
		Kind:      kind,
		Payload:   raw,
		Timestamp: time.Now(),
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := st.logFile.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("sessions: append log: %w", err)
	}
	return st.logFile.Sync()
}

func (fs *FileStore) writeSnapshot(st *fileState) error {
	st.snapshot.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(st.snapshot, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(fs.sessionDir(st.session.ID), "snapshot.json"), data)
}

func (fs *FileStore) writeSessionMeta(st *fileState) error {
	data, err := json.MarshalIndent(st.session, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(fs.sessionDir(st.session.ID), "session.json"), data)
}

// atomicWrite writes data to a temp file in the same directory as path
// then renames over path, so a concurrent reader never observes a
// partially written file.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// AppendMessage appends msg to sessionID's transcript. Invariant S2:
// per-session message ordering is the append order, and append is
// serialized by fs.mu (the orchestrator additionally serializes
// per-sender processing one level up, see internal/orchestrator's
// session locks, so this mutex is never contended in steady state).
func (fs *FileStore) AppendMessage(ctx context.Context, sessionID string, msg models.Message) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	st, ok := fs.byID[sessionID]
	if !ok {
		return ErrNotFound
	}
	if st.session.ClosedAt != nil {
		return ErrClosed
	}

	st.snapshot.Messages = append(st.snapshot.Messages, msg)
	st.session.UpdatedAt = time.Now()

	compacted := false
	if fs.compact != nil && fs.compact.ShouldCompact(st.snapshot) {
		if err := fs.runCompactionLocked(ctx, st); err != nil {
			return fmt.Errorf("sessions: compaction: %w", err)
		}
		compacted = true
		st.snapshot.Warning = ""
	} else if fs.compact != nil && st.snapshot.Warning == "" && fs.compact.ShouldWarn(st.snapshot) {
		// Two-threshold policy (spec §4.2): crossing the soft fraction
		// without yet crossing the hard one just arms a pending warning
		// for the next turn to surface, it never touches the transcript.
		st.snapshot.Warning = PendingWarning(st.snapshot)
	}

	if err := fs.writeSnapshot(st); err != nil {
		return err
	}
	if err := fs.writeSessionMeta(st); err != nil {
		return err
	}

	if err := fs.appendEvent(st, models.EventMessageAppended, msg); err != nil {
		return err
	}
	if compacted {
		if err := fs.appendEvent(st, models.EventCompacted, struct {
			CompactedCount int `json:"compacted_count"`
		}{st.snapshot.CompactedCount}); err != nil {
			return err
		}
	}
	return nil
}

// runCompactionLocked fires pre-compaction hooks synchronously against
// the current snapshot (invariant S4: hooks observe pre-mutation state),
// then replaces the compacted message prefix in place. The caller is
// responsible for persisting the result and appending EventCompacted,
// as part of its own single mutate-snapshot-append sequence.
func (fs *FileStore) runCompactionLocked(ctx context.Context, st *fileState) error {
	for _, h := range fs.preHooks {
		if err := h(ctx, st.snapshot); err != nil {
			return err
		}
	}
	result, err := fs.compact.Compact(ctx, st.snapshot)
	if err != nil {
		return err
	}
	st.snapshot = result
	return nil
}

func (fs *FileStore) Snapshot(ctx context.Context, sessionID string) (models.StateSnapshot, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	st, ok := fs.byID[sessionID]
	if !ok {
		return models.StateSnapshot{}, ErrNotFound
	}
	return st.snapshot, nil
}

// SetWarning persists a warning string on the session (spec §4.1
// warning injection): it must be durable so a crash between setting
// and clearing still surfaces it on the next processed message.
func (fs *FileStore) SetWarning(ctx context.Context, sessionID, warning string) error {
	return fs.mutateWarning(sessionID, warning, models.EventWarningSet)
}

func (fs *FileStore) ClearWarning(ctx context.Context, sessionID string) error {
	return fs.mutateWarning(sessionID, "", models.EventWarningCleared)
}

func (fs *FileStore) mutateWarning(sessionID, warning string, kind models.EventKind) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	st, ok := fs.byID[sessionID]
	if !ok {
		return ErrNotFound
	}
	st.snapshot.Warning = warning
	if err := fs.writeSnapshot(st); err != nil {
		return err
	}
	return fs.appendEvent(st, kind, struct {
		Warning string `json:"warning"`
	}{warning})
}

// Close marks a session closed, running close hooks with the final
// snapshot before the session becomes unwritable.
func (fs *FileStore) Close(ctx context.Context, sessionID string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	st, ok := fs.byID[sessionID]
	if !ok {
		return ErrNotFound
	}
	if st.session.ClosedAt != nil {
		return nil
	}
	now := time.Now()
	st.session.ClosedAt = &now

	if err := fs.writeSessionMeta(st); err != nil {
		return err
	}
	if err := fs.writeSnapshot(st); err != nil {
		return err
	}
	if err := fs.appendEvent(st, models.EventSessionClosed, st.session); err != nil {
		return err
	}

	for _, h := range fs.closeHooks {
		if err := h(ctx, st.snapshot); err != nil {
			return err
		}
	}
	if st.logFile != nil {
		st.logFile.Close()
		st.logFile = nil
	}
	return nil
}

func (fs *FileStore) List(ctx context.Context) ([]*models.Session, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]*models.Session, 0, len(fs.byID))
	for _, st := range fs.byID {
		sess := st.session
		out = append(out, &sess)
	}
	return out, nil
}

func (fs *FileStore) History(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	st, ok := fs.byID[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	msgs := st.snapshot.Messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// ReplayLog rebuilds a snapshot purely from a session's log files,
// used for crash recovery validation and the "snapshot-log coherence"
// testable property: replaying the log must reproduce the snapshot
// byte-for-byte in message content (modulo compaction bookkeeping).
func ReplayLog(dir, sessionID string) (models.StateSnapshot, error) {
	root := filepath.Join(dir, "sessions", sessionID)
	entries, err := os.ReadDir(root)
	if err != nil {
		return models.StateSnapshot{}, err
	}
	var logPaths []string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".jsonl" {
			logPaths = append(logPaths, filepath.Join(root, e.Name()))
		}
	}
	snap := models.StateSnapshot{SessionID: sessionID}
	for _, p := range logPaths {
		f, err := os.Open(p)
		if err != nil {
			return snap, err
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			var ev models.Event
			if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
				f.Close()
				return snap, fmt.Errorf("sessions: corrupt log entry: %w", err)
			}
			snap.LastEventSeq = ev.Seq
			switch ev.Kind {
			case models.EventMessageAppended:
				var msg models.Message
				if err := json.Unmarshal(ev.Payload, &msg); err != nil {
					f.Close()
					return snap, err
				}
				snap.Messages = append(snap.Messages, msg)
			case models.EventWarningSet:
				var w struct {
					Warning string `json:"warning"`
				}
				_ = json.Unmarshal(ev.Payload, &w)
				snap.Warning = w.Warning
			case models.EventWarningCleared:
				snap.Warning = ""
			case models.EventCompacted:
				snap.CompactedCount++
			}
		}
		f.Close()
		if err := scanner.Err(); err != nil {
			return snap, fmt.Errorf("sessions: corrupt log: %w", err)
		}
	}
	return snap, nil
}
