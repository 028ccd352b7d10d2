// Package sqlite is the durable result store. Records written by one harness
// invocation are read back by the report API and the export command.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/DjordjeVuckovic/policy-bench/internal/bench/engine"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/runner"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/store"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/workload"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

const currentSchemaVersion = 1

type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path with WAL journaling and a
// single connection, so concurrent appends are serialized by database/sql.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open result store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect result store: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set user_version: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Append(ctx context.Context, records ...runner.TrialRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trial_records (
			id, run_id, workload_id, category, kind, backend, labels, trial, ts,
			duration_ns, rows_returned, rows_examined, access_path, cache_hit_ratio,
			success, error_kind, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare append: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		labels, err := json.Marshal(r.Labels)
		if err != nil {
			return fmt.Errorf("marshal labels of %s: %w", r.ID, err)
		}
		_, err = stmt.ExecContext(ctx,
			r.ID, r.RunID, r.WorkloadID, r.Category, string(r.Kind), r.Backend,
			string(labels), r.Trial, r.Timestamp.UnixNano(), int64(r.Duration),
			r.RowsReturned, r.RowsExamined, string(r.AccessPath), r.CacheHitRatio,
			r.Success, string(r.ErrorKind), r.Error,
		)
		if err != nil {
			return fmt.Errorf("insert record %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) Records(ctx context.Context, f store.Filter) ([]runner.TrialRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, f.Category)
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		where = append(where, "ts < ?")
		args = append(args, f.Until.UnixNano())
	}

	q := `SELECT id, run_id, workload_id, category, kind, backend, labels, trial, ts,
		duration_ns, rows_returned, rows_examined, access_path, cache_hit_ratio,
		success, error_kind, error FROM trial_records`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY seq"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []runner.TrialRecord
	for rows.Next() {
		var (
			r        runner.TrialRecord
			kind     string
			access   string
			errKind  string
			labels   string
			ts       int64
			duration int64
			examined sql.NullInt64
			hit      sql.NullFloat64
		)
		if err := rows.Scan(
			&r.ID, &r.RunID, &r.WorkloadID, &r.Category, &kind, &r.Backend, &labels,
			&r.Trial, &ts, &duration, &r.RowsReturned, &examined, &access, &hit,
			&r.Success, &errKind, &r.Error,
		); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if err := json.Unmarshal([]byte(labels), &r.Labels); err != nil {
			return nil, fmt.Errorf("decode labels of %s: %w", r.ID, err)
		}
		r.Kind = workload.Kind(kind)
		r.AccessPath = engine.AccessPath(access)
		r.ErrorKind = runner.ErrorKind(errKind)
		r.Timestamp = time.Unix(0, ts).UTC()
		r.Duration = time.Duration(duration)
		if examined.Valid {
			v := examined.Int64
			r.RowsExamined = &v
		}
		if hit.Valid {
			v := hit.Float64
			r.CacheHitRatio = &v
		}
		// labels are a JSON blob, so label filters are applied here
		if !f.Match(r) {
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) SaveRun(ctx context.Context, run store.Run) error {
	if run.ID == "" {
		return errors.New("save run: empty id")
	}
	meta, err := json.Marshal(run.Meta)
	if err != nil {
		return fmt.Errorf("marshal run meta: %w", err)
	}
	var finished sql.NullInt64
	if !run.FinishedAt.IsZero() {
		finished = sql.NullInt64{Int64: run.FinishedAt.UnixNano(), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, name, status, started_at, finished_at, meta)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			finished_at = excluded.finished_at,
			meta = excluded.meta`,
		run.ID, run.Name, string(run.Status), run.StartedAt.UnixNano(), finished, string(meta),
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return nil
}

func (s *Store) Run(ctx context.Context, id string) (store.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, status, started_at, finished_at, meta FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Run{}, fmt.Errorf("%w: %s", store.ErrRunNotFound, id)
	}
	return r, err
}

func (s *Store) Runs(ctx context.Context) ([]store.Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, status, started_at, finished_at, meta FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []store.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (store.Run, error) {
	var (
		r        store.Run
		status   string
		started  int64
		finished sql.NullInt64
		meta     string
	)
	if err := sc.Scan(&r.ID, &r.Name, &status, &started, &finished, &meta); err != nil {
		return store.Run{}, err
	}
	r.Status = store.RunStatus(status)
	r.StartedAt = time.Unix(0, started).UTC()
	if finished.Valid {
		r.FinishedAt = time.Unix(0, finished.Int64).UTC()
	}
	if err := json.Unmarshal([]byte(meta), &r.Meta); err != nil {
		return store.Run{}, fmt.Errorf("decode run meta: %w", err)
	}
	return r, nil
}

var _ store.Store = (*Store)(nil)
