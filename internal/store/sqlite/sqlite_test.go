package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawbridge/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertSession(t *testing.T, s *Store, threadID string, expiresAt time.Time) *store.Session {
	t.Helper()
	now := time.Now()
	sess := &store.Session{
		ID:           uuid.Must(uuid.NewV7()).String(),
		Platform:     "slack",
		WorkspaceID:  "T0XYZ",
		ChannelID:    "C0ABC",
		ThreadID:     threadID,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    expiresAt,
	}
	if err := s.Insert(context.Background(), sess); err != nil {
		t.Fatalf("insert: %v", err)
	}
	return sess
}

func TestFindLiveThreadVsChannel(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	future := time.Now().Add(time.Hour)

	chanSess := insertSession(t, s, "", future)
	threadSess := insertSession(t, s, "1726000000.000100", future)

	got, err := s.FindLive(ctx, "slack", "T0XYZ", "C0ABC", "", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != chanSess.ID {
		t.Errorf("channel-level lookup returned %+v, want %s", got, chanSess.ID)
	}

	got, err = s.FindLive(ctx, "slack", "T0XYZ", "C0ABC", "1726000000.000100", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != threadSess.ID {
		t.Errorf("thread lookup returned %+v, want %s", got, threadSess.ID)
	}

	got, err = s.FindLive(ctx, "slack", "T0XYZ", "C0ABC", "1726999999.000999", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("unknown thread matched session %s", got.ID)
	}
}

func TestFindLiveExcludesExpired(t *testing.T) {
	s := openTestStore(t)
	insertSession(t, s, "", time.Now().Add(-time.Minute))

	got, err := s.FindLive(context.Background(), "slack", "T0XYZ", "C0ABC", "", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expired session returned from FindLive: %s", got.ID)
	}
}

func TestGetIgnoresExpiry(t *testing.T) {
	s := openTestStore(t)
	sess := insertSession(t, s, "", time.Now().Add(-time.Minute))

	got, err := s.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("Get of an expired session returned nil; expiry belongs to FindLive only")
	}

	got, err = s.Get(context.Background(), "missing")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("Get of a missing id returned a session")
	}
}

func TestDeleteExpiredCount(t *testing.T) {
	s := openTestStore(t)
	insertSession(t, s, "a", time.Now().Add(-time.Hour))
	insertSession(t, s, "b", time.Now().Add(-time.Minute))
	live := insertSession(t, s, "c", time.Now().Add(time.Hour))

	n, err := s.DeleteExpired(context.Background(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("deleted %d rows, want 2", n)
	}

	got, err := s.Get(context.Background(), live.ID)
	if err != nil || got == nil {
		t.Errorf("live session gone after sweep: %v", err)
	}
}

func TestDeleteCascadesLog(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess := insertSession(t, s, "", time.Now().Add(time.Hour))

	err := s.AppendLog(ctx, &store.LogEntry{
		SessionID: sess.ID,
		Direction: store.DirectionIn,
		Content:   "deploy staging",
		Metadata:  map[string]string{"user_id": "U1"},
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Delete(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}

	var count int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM message_log`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("%d log rows survived session delete", count)
	}
}

func TestListFiltersAndOrders(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	older := insertSession(t, s, "a", time.Now().Add(time.Hour))
	newer := insertSession(t, s, "b", time.Now().Add(time.Hour))
	if err := s.Touch(ctx, newer.ID, time.Now().Add(time.Minute), time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	all, err := s.List(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d sessions, want 2", len(all))
	}
	if all[0].ID != newer.ID || all[1].ID != older.ID {
		t.Error("sessions not ordered newest-activity first")
	}

	none, err := s.List(ctx, "teams")
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("platform filter leaked %d sessions", len(none))
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	insertSession(t, s1, "", time.Now().Add(time.Hour))
	if err := s1.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopening runs migrations again; already-applied versions are a no-op.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, err := s2.List(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("data lost across reopen, got %d sessions", len(got))
	}
}
