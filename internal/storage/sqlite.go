package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "jobcluster/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (QueueStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite serializes writers anyway, and an in-memory
	// database only exists on the connection that created it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite queue store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Insert(ctx context.Context, row QueueRow) error {
	if row.ID == "" {
		return errors.New("queue row id required")
	}
	if row.Mtime.IsZero() {
		row.Mtime = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_queue(id, status, channel, data, mtime) VALUES(?,?,?,?,?)`,
		row.ID, nullStr(row.Status), row.Channel, row.Data, row.Mtime.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) Pending(ctx context.Context, channel string, limit int) ([]QueueRow, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel, data, mtime FROM job_queue
		 WHERE channel = ? AND status IS NULL
		 ORDER BY mtime LIMIT ?`,
		channel, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueueRow
	for rows.Next() {
		var (
			r  QueueRow
			ms int64
		)
		if err := rows.Scan(&r.ID, &r.Channel, &r.Data, &ms); err != nil {
			return nil, err
		}
		r.Mtime = time.UnixMilli(ms)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Claim(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_queue SET status = ?, mtime = ? WHERE id = ? AND status IS NULL`,
		StatusHidden, time.Now().UnixMilli(), id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) Release(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE job_queue SET status = NULL, mtime = ? WHERE id = ?`,
		time.Now().UnixMilli(), id,
	)
	return err
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM job_queue WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) Stale(ctx context.Context, before time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM job_queue WHERE status = ? AND mtime < ?`,
		StatusHidden, before.UnixMilli(),
	).Scan(&n)
	return n, err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
