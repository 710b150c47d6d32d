package sessions

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kestrel-ai/kestrel/pkg/models"
)

func newTestStore(t *testing.T, compact *Compactor) *FileStore {
	t.Helper()
	dir := t.TempDir()
	fs, err := NewFileStore(dir, compact)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return fs
}

func TestGetOrCreateIsIdempotentPerSenderSource(t *testing.T) {
	fs := newTestStore(t, nil)
	ctx := context.Background()

	first, err := fs.GetOrCreate(ctx, "alice", models.SourceTelegram)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	second, err := fs.GetOrCreate(ctx, "alice", models.SourceTelegram)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same session id for repeat (sender,source), got %s and %s", first.ID, second.ID)
	}

	other, err := fs.GetOrCreate(ctx, "alice", models.SourceDiscord)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if other.ID == first.ID {
		t.Fatalf("expected distinct session for a different source, got same id %s", other.ID)
	}
}

func TestAppendMessagePersistsBeforeEventCount(t *testing.T) {
	fs := newTestStore(t, nil)
	ctx := context.Background()

	sess, err := fs.GetOrCreate(ctx, "bob", models.SourceCLI)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	msg := models.Message{ID: "m1", SessionID: sess.ID, Role: models.RoleUser, Content: "hello"}
	if err := fs.AppendMessage(ctx, sess.ID, msg); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	snap, err := fs.Snapshot(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Messages) != 1 || snap.Messages[0].Content != "hello" {
		t.Fatalf("expected one persisted message, got %+v", snap.Messages)
	}
}

func TestAppendMessageToClosedSessionFails(t *testing.T) {
	fs := newTestStore(t, nil)
	ctx := context.Background()

	sess, err := fs.GetOrCreate(ctx, "carol", models.SourceSlack)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := fs.Close(ctx, sess.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}

	err = fs.AppendMessage(ctx, sess.ID, models.Message{ID: "m1", SessionID: sess.ID, Role: models.RoleUser, Content: "too late"})
	if err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestAppendMessageSetsWarningAtSoftThreshold(t *testing.T) {
	cfg := CompactionConfig{
		Enabled:         true,
		WindowTokens:    100,
		WarnFraction:    0.5,
		TriggerFraction: 0.9,
		KeepLastN:       10,
	}
	fs := newTestStore(t, NewCompactor(cfg, nil))
	ctx := context.Background()

	sess, err := fs.GetOrCreate(ctx, "dave", models.SourceHTTP)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	// A message long enough to push estimated tokens (len/4) over the
	// 50-token warn threshold without reaching the 90-token trigger one.
	big := models.Message{ID: "m1", SessionID: sess.ID, Role: models.RoleUser, Content: repeatString("x", 260)}
	if err := fs.AppendMessage(ctx, sess.ID, big); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	snap, err := fs.Snapshot(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Warning == "" {
		t.Fatalf("expected a pending warning past the soft threshold, got none")
	}
	if snap.CompactedCount != 0 {
		t.Fatalf("expected no compaction at the soft threshold, got CompactedCount=%d", snap.CompactedCount)
	}
}

func TestAppendMessageCompactsAndClearsWarningAtHardThreshold(t *testing.T) {
	cfg := CompactionConfig{
		Enabled:         true,
		WindowTokens:    100,
		WarnFraction:    0.1,
		TriggerFraction: 0.2,
		KeepLastN:       1,
	}
	fs := newTestStore(t, NewCompactor(cfg, nil))
	ctx := context.Background()

	sess, err := fs.GetOrCreate(ctx, "erin", models.SourceTelegram)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	for i := 0; i < 3; i++ {
		msg := models.Message{ID: "m", SessionID: sess.ID, Role: models.RoleUser, Content: repeatString("y", 200)}
		if err := fs.AppendMessage(ctx, sess.ID, msg); err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
	}

	snap, err := fs.Snapshot(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.CompactedCount == 0 {
		t.Fatalf("expected compaction to have fired past the hard threshold")
	}
	if snap.Warning != "" {
		t.Fatalf("expected compaction to clear any pending warning, got %q", snap.Warning)
	}
}

func TestReplayLogReproducesSnapshotMessages(t *testing.T) {
	fs := newTestStore(t, nil)
	ctx := context.Background()

	sess, err := fs.GetOrCreate(ctx, "frank", models.SourceDiscord)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	for i := 0; i < 3; i++ {
		msg := models.Message{ID: "m", SessionID: sess.ID, Role: models.RoleUser, Content: "line"}
		if err := fs.AppendMessage(ctx, sess.ID, msg); err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
	}

	replayed, err := ReplayLog(fs.dir, sess.ID)
	if err != nil {
		t.Fatalf("ReplayLog: %v", err)
	}
	if len(replayed.Messages) != 3 {
		t.Fatalf("expected 3 replayed messages, got %d", len(replayed.Messages))
	}
}

func TestLoadExistingRecoversFromCorruptSnapshotViaReplay(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	fs, err := NewFileStore(dir, nil)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	sess, err := fs.GetOrCreate(ctx, "gina", models.SourceSystem)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := fs.AppendMessage(ctx, sess.ID, models.Message{ID: "m1", SessionID: sess.ID, Role: models.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	snapPath := filepath.Join(dir, "sessions", sess.ID, "snapshot.json")
	if err := os.WriteFile(snapPath, []byte("{not valid json"), 0o644); err != nil {
		t.Fatalf("corrupt snapshot: %v", err)
	}

	reopened, err := NewFileStore(dir, nil)
	if err != nil {
		t.Fatalf("reopen NewFileStore: %v", err)
	}
	snap, err := reopened.Snapshot(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Snapshot after recovery: %v", err)
	}
	if len(snap.Messages) != 1 || snap.Messages[0].Content != "hi" {
		t.Fatalf("expected replayed message to survive corrupt snapshot recovery, got %+v", snap.Messages)
	}
}

func TestSetAndClearWarning(t *testing.T) {
	fs := newTestStore(t, nil)
	ctx := context.Background()

	sess, err := fs.GetOrCreate(ctx, "hank", models.SourceCLI)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := fs.SetWarning(ctx, sess.ID, "careful"); err != nil {
		t.Fatalf("SetWarning: %v", err)
	}
	snap, err := fs.Snapshot(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Warning != "careful" {
		t.Fatalf("expected warning to be persisted, got %q", snap.Warning)
	}

	if err := fs.ClearWarning(ctx, sess.ID); err != nil {
		t.Fatalf("ClearWarning: %v", err)
	}
	snap, err = fs.Snapshot(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Warning != "" {
		t.Fatalf("expected warning to be cleared, got %q", snap.Warning)
	}
}

func repeatString(s string, n int) string {
	out := make([]byte, 0, len(s)*n)
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}
