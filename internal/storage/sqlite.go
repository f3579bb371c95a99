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

	_ "modernc.org/sqlite"

	"courier/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (JobStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := st.recover(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
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

// recover returns jobs stranded in "active" by a crash to the waiting set.
func (s *sqliteStore) recover(ctx context.Context) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status='waiting' WHERE status='active'`)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Warn("recovered in-flight jobs from previous run", logx.Int64("jobs", n))
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Enqueue(ctx context.Context, jobs ...Job) error {
	if len(jobs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, j := range jobs {
		if j.EnqueuedAt.IsZero() {
			j.EnqueuedAt = time.Now()
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO jobs(id, session_id, target, body, correlation_id, priority, status, attempt, last_error, not_before, enqueued_at)
			 VALUES(?,?,?,?,?,?,'waiting',?,?,?,?)`,
			j.ID, j.SessionID, j.Target, j.Body, j.CorrelationID, j.Priority,
			j.Attempt, nullStr(j.LastError), unixMilli(j.NotBefore), j.EnqueuedAt.UnixMilli(),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, session_id, target, body, correlation_id, priority, attempt, COALESCE(last_error,''), not_before, enqueued_at
		 FROM jobs
		 WHERE status='waiting' AND not_before <= ?
		 ORDER BY priority ASC, enqueued_at ASC, rowid ASC
		 LIMIT ?`,
		now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, err
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status='active' WHERE id = ?`, j.ID); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func scanJobs(rows *sql.Rows) ([]Job, error) {
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		var j Job
		var notBefore, enqueued int64
		if err := rows.Scan(&j.ID, &j.SessionID, &j.Target, &j.Body, &j.CorrelationID,
			&j.Priority, &j.Attempt, &j.LastError, &notBefore, &enqueued); err != nil {
			return nil, err
		}
		if notBefore > 0 {
			j.NotBefore = time.UnixMilli(notBefore)
		}
		j.EnqueuedAt = time.UnixMilli(enqueued)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *sqliteStore) Complete(ctx context.Context, id string) error {
	return s.exec1(ctx, `DELETE FROM jobs WHERE id = ?`, id)
}

func (s *sqliteStore) Retry(ctx context.Context, id string, attempt int, notBefore time.Time, lastErr string) error {
	return s.exec1(ctx,
		`UPDATE jobs SET status='waiting', attempt=?, not_before=?, last_error=? WHERE id = ?`,
		attempt, unixMilli(notBefore), nullStr(lastErr), id,
	)
}

func (s *sqliteStore) Fail(ctx context.Context, id string, attempt int, lastErr string) error {
	return s.exec1(ctx,
		`UPDATE jobs SET status='failed', attempt=?, last_error=? WHERE id = ?`,
		attempt, nullStr(lastErr), id,
	)
}

func (s *sqliteStore) exec1(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ClearPending(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE status='waiting'`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) Counts(ctx context.Context, now time.Time) (Counts, error) {
	var c Counts
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, not_before > ? AS delayed, COUNT(*) FROM jobs GROUP BY status, delayed`,
		now.UnixMilli(),
	)
	if err != nil {
		return c, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var delayed bool
		var n int
		if err := rows.Scan(&status, &delayed, &n); err != nil {
			return c, err
		}
		switch status {
		case "waiting":
			if delayed {
				c.Delayed += n
			} else {
				c.Waiting += n
			}
		case "active":
			c.Active += n
		case "failed":
			c.Failed += n
		}
	}
	return c, rows.Err()
}

func (s *sqliteStore) PruneFailed(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status='failed' AND enqueued_at < ?`,
		olderThan.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
