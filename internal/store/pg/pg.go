// Package pg is the Postgres SessionStore backend for managed deployments.
// The DSN comes from the environment only; schema lives in the embedded
// postgres migrations.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migpg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/clawbridge/internal/store"
	"github.com/nextlevelbuilder/clawbridge/migrations"
)

// Store implements store.SessionStore backed by Postgres via pgx stdlib.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres and applies pending migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Migrate applies pending embedded migrations to db.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrations.FS, "postgres")
	if err != nil {
		return fmt.Errorf("store: migration source: %w", err)
	}
	driver, err := migpg.WithInstance(db, &migpg.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("store: migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

const sessionColumns = `id, platform, workspace_id, channel_id, thread_id,
	agent_session_id, created_at, last_activity, expires_at`

func (s *Store) FindLive(ctx context.Context, platform, workspaceID, channelID, threadID string, now time.Time) (*store.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE platform = $1 AND workspace_id = $2 AND channel_id = $3`
	args := []any{platform, workspaceID, channelID}
	if threadID == "" {
		q += ` AND thread_id IS NULL AND expires_at > $4`
	} else {
		q += ` AND thread_id = $4 AND expires_at > $5`
		args = append(args, threadID)
	}
	args = append(args, now)
	q += ` ORDER BY last_activity DESC LIMIT 1`

	return scanSession(s.db.QueryRowContext(ctx, q, args...))
}

func (s *Store) Get(ctx context.Context, id string) (*store.Session, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
}

func (s *Store) Insert(ctx context.Context, sess *store.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, platform, workspace_id, channel_id, thread_id,
			agent_session_id, created_at, last_activity, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sess.ID, sess.Platform, sess.WorkspaceID, sess.ChannelID,
		nullStr(sess.ThreadID), nullStr(sess.AgentSessionID),
		sess.CreatedAt, sess.LastActivity, sess.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert session: %w", err)
	}
	return nil
}

func (s *Store) Touch(ctx context.Context, id string, lastActivity, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity = $1, expires_at = $2 WHERE id = $3`,
		lastActivity, expiresAt, id)
	if err != nil {
		return fmt.Errorf("store: touch session: %w", err)
	}
	return nil
}

func (s *Store) BindAgentSession(ctx context.Context, id, agentSessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET agent_session_id = $1 WHERE id = $2`, agentSessionID, id)
	if err != nil {
		return fmt.Errorf("store: bind agent session: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete session: %w", err)
	}
	return nil
}

func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at <= $1`, now)
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
		meta = b
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_log (session_id, direction, content, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		e.SessionID, string(e.Direction), e.Content, meta, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: append log: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, platform string) ([]*store.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if platform != "" {
		q += ` WHERE platform = $1`
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*store.Session, error) {
	var sess store.Session
	var threadID, agentSessionID sql.NullString

	err := row.Scan(&sess.ID, &sess.Platform, &sess.WorkspaceID, &sess.ChannelID,
		&threadID, &agentSessionID, &sess.CreatedAt, &sess.LastActivity, &sess.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan session: %w", err)
	}

	sess.ThreadID = threadID.String
	sess.AgentSessionID = agentSessionID.String
	return &sess, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
