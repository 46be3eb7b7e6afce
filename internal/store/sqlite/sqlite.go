// Package sqlite is the default SessionStore backend: a single local SQLite
// file, WAL mode, schema managed via embedded golang-migrate migrations.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migsqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/clawbridge/internal/store"
	"github.com/nextlevelbuilder/clawbridge/migrations"
)

// Store implements store.SessionStore backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dbPath with WAL mode and busy
// timeout, and applies pending migrations. A storage failure here is fatal
// for the caller: there is no degraded mode without durable session state.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("store: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Migrate applies pending embedded migrations to db.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrations.FS, "sqlite")
	if err != nil {
		return fmt.Errorf("store: migration source: %w", err)
	}
	driver, err := migsqlite.WithInstance(db, &migsqlite.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("store: migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// DB returns the underlying sql.DB (used by tests and the migrate command).
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

const sessionColumns = `id, platform, workspace_id, channel_id, thread_id,
	agent_session_id, created_at, last_activity, expires_at`

func (s *Store) FindLive(ctx context.Context, platform, workspaceID, channelID, threadID string, now time.Time) (*store.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE platform = ? AND workspace_id = ? AND channel_id = ?`
	args := []any{platform, workspaceID, channelID}
	if threadID == "" {
		q += ` AND thread_id IS NULL`
	} else {
		q += ` AND thread_id = ?`
		args = append(args, threadID)
	}
	q += ` AND expires_at > ? ORDER BY last_activity DESC LIMIT 1`
	args = append(args, now.UnixMilli())

	return scanSession(s.db.QueryRowContext(ctx, q, args...))
}

func (s *Store) Get(ctx context.Context, id string) (*store.Session, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
}

func (s *Store) Insert(ctx context.Context, sess *store.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, platform, workspace_id, channel_id, thread_id,
			agent_session_id, created_at, last_activity, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Platform, sess.WorkspaceID, sess.ChannelID,
		nullStr(sess.ThreadID), nullStr(sess.AgentSessionID),
		sess.CreatedAt.UnixMilli(), sess.LastActivity.UnixMilli(), sess.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: insert session: %w", err)
	}
	return nil
}

func (s *Store) Touch(ctx context.Context, id string, lastActivity, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity = ?, expires_at = ? WHERE id = ?`,
		lastActivity.UnixMilli(), expiresAt.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("store: touch session: %w", err)
	}
	return nil
}

func (s *Store) BindAgentSession(ctx context.Context, id, agentSessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET agent_session_id = ? WHERE id = ?`, agentSessionID, id)
	if err != nil {
		return fmt.Errorf("store: bind agent session: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete session: %w", err)
	}
	return nil
}

func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("store: delete expired: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) AppendLog(ctx context.Context, e *store.LogEntry) error {
	var meta any
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("store: marshal log metadata: %w", err)
		}
		meta = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_log (session_id, direction, content, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		e.SessionID, string(e.Direction), e.Content, meta, e.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("store: append log: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, platform string) ([]*store.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if platform != "" {
		q += ` WHERE platform = ?`
		args = append(args, platform)
	}
	q += ` ORDER BY last_activity DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var result []*store.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*store.Session, error) {
	var sess store.Session
	var threadID, agentSessionID sql.NullString
	var created, lastActivity, expires int64

	err := row.Scan(&sess.ID, &sess.Platform, &sess.WorkspaceID, &sess.ChannelID,
		&threadID, &agentSessionID, &created, &lastActivity, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan session: %w", err)
	}

	sess.ThreadID = threadID.String
	sess.AgentSessionID = agentSessionID.String
	sess.CreatedAt = time.UnixMilli(created)
	sess.LastActivity = time.UnixMilli(lastActivity)
	sess.ExpiresAt = time.UnixMilli(expires)
	return &sess, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
