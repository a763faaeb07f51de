package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/pipe/pkg/model"

	_ "modernc.org/sqlite"
)

// timeFormat is fixed-width so that stored timestamps sort chronologically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	if dbPath == ":memory:" {
		// Every connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "history"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) error {
	s.logger.Debug("sql", "op", "insert", "table", "runs", "id", run.ID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, pipeline, file, state, tasks, failed, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Pipeline, run.File, string(run.State), run.Tasks, run.Failed,
		formatTime(run.StartedAt), formatTimePtr(run.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, id string, state model.RunState, tasks, failed int, at time.Time) error {
	s.logger.Debug("sql", "op", "update", "table", "runs", "id", id, "state", state)

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, tasks = ?, failed = ?, completed_at = ? WHERE id = ?`,
		string(state), tasks, failed, formatTime(at), id,
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NewNotFoundError("run", id)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	s.logger.Debug("sql", "op", "select", "table", "runs", "id", id)

	row := s.db.QueryRowContext(ctx,
		`SELECT id, pipeline, file, state, tasks, failed, started_at, completed_at
		 FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

func (s *SQLiteStore) ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, int, error) {
	opts.Clamp()
	s.logger.Debug("sql", "op", "select", "table", "runs", "limit", opts.Limit, "offset", opts.Offset)

	where, args := "", []any{}
	if opts.State != "" {
		where = " WHERE state = ?"
		args = append(args, opts.State)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pipeline, file, state, tasks, failed, started_at, completed_at
		 FROM runs`+where+` ORDER BY started_at DESC, id LIMIT ? OFFSET ?`,
		append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

// --- Task records ---

func (s *SQLiteStore) RecordTask(ctx context.Context, rec *model.TaskRecord) error {
	s.logger.Debug("sql", "op", "insert", "table", "task_records", "run_id", rec.RunID, "task_id", rec.TaskID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_records (run_id, task_id, name, state, exit_code, result, error, stdout, stderr,
		                           created_tick, finished_tick, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.TaskID, rec.Name, string(rec.State), rec.ExitCode, rec.Result, rec.Error,
		rec.Stdout, rec.Stderr, rec.CreatedTick, rec.FinishedTick,
		formatTime(rec.CreatedAt), formatTime(rec.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("record task %s/%d: %w", rec.RunID, rec.TaskID, err)
	}
	return nil
}

func (s *SQLiteStore) ListTaskRecords(ctx context.Context, runID string) ([]*model.TaskRecord, error) {
	s.logger.Debug("sql", "op", "select", "table", "task_records", "run_id", runID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, task_id, name, state, exit_code, result, error, stdout, stderr,
		        created_tick, finished_tick, created_at, completed_at
		 FROM task_records WHERE run_id = ? ORDER BY task_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list task records: %w", err)
	}
	defer rows.Close()

	var recs []*model.TaskRecord
	for rows.Next() {
		var rec model.TaskRecord
		var state, createdAt, completedAt string
		if err := rows.Scan(
			&rec.RunID, &rec.TaskID, &rec.Name, &state, &rec.ExitCode, &rec.Result, &rec.Error,
			&rec.Stdout, &rec.Stderr, &rec.CreatedTick, &rec.FinishedTick, &createdAt, &completedAt,
		); err != nil {
			return nil, err
		}
		rec.State = model.TaskState(state)
		rec.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		rec.CompletedAt, _ = time.Parse(timeFormat, completedAt)
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*model.Run, error) {
	var run model.Run
	var state, startedAt string
	var completedAt *string

	if err := row.Scan(&run.ID, &run.Pipeline, &run.File, &state, &run.Tasks, &run.Failed,
		&startedAt, &completedAt); err != nil {
		return nil, err
	}
	run.State = model.RunState(state)
	run.StartedAt, _ = time.Parse(timeFormat, startedAt)
	if completedAt != nil {
		t, _ := time.Parse(timeFormat, *completedAt)
		run.CompletedAt = &t
	}
	return &run, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
