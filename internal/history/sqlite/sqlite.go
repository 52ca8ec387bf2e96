package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/simpool/internal/history"
)

// Sink writes history events to SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// :memory: databases are per-connection
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS simulator_history(
			occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
			udid TEXT NOT NULL,
			name TEXT NOT NULL,
			seq INTEGER NOT NULL,
			event TEXT NOT NULL,
			kind TEXT NOT NULL,
			state TEXT NOT NULL,
			pid INTEGER NOT NULL,
			launch_path TEXT NOT NULL,
			expected BOOLEAN NOT NULL,
			detail TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_simulator_history_udid ON simulator_history(udid, seq);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	rec := e.Record
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO simulator_history(occurred_at, udid, name, seq, event, kind, state, pid, launch_path, expected, detail)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), rec.UDID, rec.Name, rec.Seq, string(e.Type), rec.Kind, rec.State, rec.PID, rec.LaunchPath, rec.Expected, rec.Detail)
	return err
}

// Count returns the number of rows stored for udid.
func (s *Sink) Count(ctx context.Context, udid string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM simulator_history WHERE udid = ?`, udid).Scan(&n)
	return n, err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
