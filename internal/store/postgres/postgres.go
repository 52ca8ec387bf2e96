package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/simpool/internal/store"
)

type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
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
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_simulators_pool ON simulators(pool_id);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) Upsert(ctx context.Context, rec store.Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO simulators(udid, name, device_type, os_version, family, state, allocated, data_dir, pool_id, updated_at)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT(udid) DO UPDATE SET
			name=EXCLUDED.name,
			device_type=EXCLUDED.device_type,
			os_version=EXCLUDED.os_version,
			family=EXCLUDED.family,
			state=EXCLUDED.state,
			allocated=EXCLUDED.allocated,
			data_dir=EXCLUDED.data_dir,
			pool_id=EXCLUDED.pool_id,
			updated_at=EXCLUDED.updated_at;`,
		rec.UDID, rec.Name, rec.DeviceType, rec.OSVersion, rec.Family, rec.State, rec.Allocated, rec.DataDir, rec.PoolID, time.Now().UTC())
	return err
}

func (p *DB) UpdateState(ctx context.Context, udid, st string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE simulators SET state=$1, updated_at=$2 WHERE udid=$3;`, st, time.Now().UTC(), udid)
	return err
}

func (p *DB) Get(ctx context.Context, udid string) (store.Record, error) {
	var r store.Record
	err := p.db.QueryRowContext(ctx, `
		SELECT udid, name, device_type, os_version, family, state, allocated, data_dir, pool_id, updated_at
		FROM simulators WHERE udid=$1;`, udid).
		Scan(&r.UDID, &r.Name, &r.DeviceType, &r.OSVersion, &r.Family, &r.State, &r.Allocated, &r.DataDir, &r.PoolID, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	return r, err
}

func (p *DB) List(ctx context.Context, poolID string) ([]store.Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT udid, name, device_type, os_version, family, state, allocated, data_dir, pool_id, updated_at
		FROM simulators
		WHERE $1 = '' OR pool_id = $1
		ORDER BY udid;`, poolID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.Record, 0)
	for rows.Next() {
		var r store.Record
		if err := rows.Scan(&r.UDID, &r.Name, &r.DeviceType, &r.OSVersion, &r.Family, &r.State, &r.Allocated, &r.DataDir, &r.PoolID, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *DB) Delete(ctx context.Context, udid string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM simulators WHERE udid=$1;`, udid)
	return err
}

var _ store.Store = (*DB)(nil)
