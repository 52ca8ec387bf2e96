package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/simpool/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.
type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS simulators(
			udid TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			device_type TEXT NOT NULL,
			os_version TEXT NOT NULL,
			family TEXT NOT NULL,
			state TEXT NOT NULL,
			allocated BOOLEAN NOT NULL,
			data_dir TEXT NOT NULL,
			pool_id TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_simulators_pool ON simulators(pool_id);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Upsert(ctx context.Context, rec store.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO simulators(udid, name, device_type, os_version, family, state, allocated, data_dir, pool_id, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(udid) DO UPDATE SET
			name=excluded.name,
			device_type=excluded.device_type,
			os_version=excluded.os_version,
			family=excluded.family,
			state=excluded.state,
			allocated=excluded.allocated,
			data_dir=excluded.data_dir,
			pool_id=excluded.pool_id,
			updated_at=excluded.updated_at;`,
		rec.UDID, rec.Name, rec.DeviceType, rec.OSVersion, rec.Family, rec.State, rec.Allocated, rec.DataDir, rec.PoolID, time.Now().UTC())
	return err
}

func (s *DB) UpdateState(ctx context.Context, udid, st string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE simulators SET state=?, updated_at=? WHERE udid=?;`, st, time.Now().UTC(), udid)
	return err
}

func (s *DB) Get(ctx context.Context, udid string) (store.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT udid, name, device_type, os_version, family, state, allocated, data_dir, pool_id, updated_at
		FROM simulators WHERE udid=?;`, udid)
	r, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	return r, err
}

func (s *DB) List(ctx context.Context, poolID string) ([]store.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT udid, name, device_type, os_version, family, state, allocated, data_dir, pool_id, updated_at
		FROM simulators
		WHERE ? = '' OR pool_id = ?
		ORDER BY udid;`, poolID, poolID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.Record, 0)
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *DB) Delete(ctx context.Context, udid string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM simulators WHERE udid=?;`, udid)
	return err
}

type scanner interface{ Scan(dest ...any) error }

func scan(sc scanner) (store.Record, error) {
	var r store.Record
	err := sc.Scan(&r.UDID, &r.Name, &r.DeviceType, &r.OSVersion, &r.Family, &r.State, &r.Allocated, &r.DataDir, &r.PoolID, &r.UpdatedAt)
	return r, err
}

var _ store.Store = (*DB)(nil)
