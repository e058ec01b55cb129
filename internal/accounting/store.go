// Package accounting persists one record per finished relay session to an
// embedded SQLite database or an external PostgreSQL server. It logs
// completed sessions only; live session state never touches the store and
// is lost on restart by design.
package accounting

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/flowpbx/rtprelay/internal/relay"
)

// logTimeout bounds one accounting insert so a stalled database can never
// back up session teardown.
const logTimeout = 5 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS session_log (
	id            TEXT PRIMARY KEY,
	call_id       TEXT NOT NULL,
	tag           TEXT NOT NULL,
	created_at    BIGINT NOT NULL,
	ended_at      BIGINT NOT NULL,
	duration_secs BIGINT NOT NULL,
	port_0        INTEGER NOT NULL,
	port_1        INTEGER NOT NULL,
	remote_0      TEXT NOT NULL,
	remote_1      TEXT NOT NULL,
	rcvd_0        BIGINT NOT NULL,
	rcvd_1        BIGINT NOT NULL,
	relayed       BIGINT NOT NULL,
	dropped       BIGINT NOT NULL,
	end_reason    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_log_call_id ON session_log(call_id);
`

// Store writes finished-session records. It implements relay.SessionSink.
type Store struct {
	db       *sql.DB
	postgres bool
	logger   *slog.Logger
}

// Open connects to the store described by dsn: "sqlite:PATH" for an
// embedded database (the default deployment) or "postgres:DSN" for a
// shared server. The schema is created on first use.
func Open(dsn string, logger *slog.Logger) (*Store, error) {
	var (
		db       *sql.DB
		postgres bool
		err      error
	)

	switch {
	case strings.HasPrefix(dsn, "sqlite:"):
		path := strings.TrimPrefix(dsn, "sqlite:")
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("creating accounting directory: %w", err)
		}
		db, err = sql.Open("sqlite",
			fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", path))
	case strings.HasPrefix(dsn, "postgres:"):
		postgres = true
		db, err = sql.Open("pgx", strings.TrimPrefix(dsn, "postgres:"))
	default:
		return nil, fmt.Errorf("accounting dsn must start with sqlite: or postgres:, got %q", dsn)
	}
	if err != nil {
		return nil, fmt.Errorf("opening accounting store: %w", err)
	}

	s := &Store{
		db:       db,
		postgres: postgres,
		logger:   logger.With("subsystem", "accounting"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), logTimeout)
	defer cancel()
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating accounting schema: %w", err)
		}
	}

	s.logger.Info("session accounting enabled", "postgres", postgres)
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// LogSession inserts one finished-session row. Failures are logged and
// swallowed: accounting must never take a session teardown down with it.
func (s *Store) LogSession(rec relay.SessionRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), logTimeout)
	defer cancel()

	query := s.rebind(`INSERT INTO session_log
		(id, call_id, tag, created_at, ended_at, duration_secs,
		 port_0, port_1, remote_0, remote_1,
		 rcvd_0, rcvd_1, relayed, dropped, end_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		uuid.NewString(), rec.CallID, rec.Tag,
		rec.CreatedAt, rec.EndedAt, rec.EndedAt-rec.CreatedAt,
		rec.Ports[0], rec.Ports[1], rec.Remotes[0], rec.Remotes[1],
		rec.Received[0], rec.Received[1], rec.Relayed, rec.Dropped,
		rec.EndReason,
	)
	if err != nil {
		s.logger.Error("failed to log session",
			"call_id", rec.CallID,
			"error", err,
		)
		return
	}

	s.logger.Debug("session logged",
		"call_id", rec.CallID,
		"reason", rec.EndReason,
	)
}

// Count returns the number of logged sessions.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM session_log").Scan(&n)
	return n, err
}

// rebind rewrites ? placeholders to $n for the PostgreSQL driver.
func (s *Store) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
