package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/httprunner/DeviceAgent/internal/failure"
	"github.com/httprunner/DeviceAgent/internal/tasks"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	device_serial TEXT NOT NULL,
	account_ref TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	priority INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	not_before INTEGER,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL,
	params TEXT,
	result TEXT,
	last_error TEXT NOT NULL DEFAULT '',
	started_at INTEGER,
	finished_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_tasks_dispatch ON tasks(status, priority DESC, created_at ASC);

CREATE TABLE IF NOT EXISTS task_history (
	id TEXT PRIMARY KEY,
	task_id INTEGER NOT NULL,
	device_serial TEXT NOT NULL,
	kind TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	status TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	ended_at INTEGER NOT NULL,
	result TEXT,
	error TEXT NOT NULL DEFAULT '',
	FOREIGN KEY (task_id) REFERENCES tasks(id)
);

CREATE INDEX IF NOT EXISTS idx_task_history_task_id ON task_history(task_id);

CREATE TABLE IF NOT EXISTS accounts (
	ref TEXT PRIMARY KEY,
	username TEXT NOT NULL,
	password TEXT NOT NULL,
	second_factor_secret TEXT NOT NULL DEFAULT '',
	app TEXT NOT NULL DEFAULT '',
	app_variants TEXT
);
`

const taskColumns = `id, device_serial, account_ref, kind, status, priority, created_at, not_before,
	retry_count, max_retries, params, result, last_error, started_at, finished_at`

// SQLite is a tasks.Store and tasks.AccountStore backed by modernc sqlite.
type SQLite struct {
	DefaultMaxRetries int
	Now               func() time.Time

	db   *sql.DB
	path string
}

// OpenSQLite opens (and migrates) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create sqlite directory")
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate sqlite schema")
	}
	log.Debug().Str("path", path).Msg("sqlite store opened")
	return &SQLite{DefaultMaxRetries: DefaultMaxRetries, db: db, path: path}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLite) Path() string { return s.path }

func (s *SQLite) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *SQLite) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	log.Debug().Str("sql", formatSQLForLog(query, args...)).Msg("sqlite exec")
	return s.db.ExecContext(ctx, query, args...)
}

// Enqueue implements tasks.Store.
func (s *SQLite) Enqueue(ctx context.Context, req tasks.Request) (int64, error) {
	task, err := newTask(req, s.DefaultMaxRetries, s.now())
	if err != nil {
		return 0, err
	}
	params, err := encodeJSON(task.Params)
	if err != nil {
		return 0, errors.Wrap(err, "encode task params")
	}
	res, err := s.exec(ctx,
		`INSERT INTO tasks (device_serial, account_ref, kind, status, priority, created_at, not_before, retry_count, max_retries, params)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		task.DeviceSerial, task.AccountRef, string(task.Kind), string(task.Status), task.Priority,
		task.CreatedAt.UnixNano(), nullableNanos(task.NotBefore), task.MaxRetries, params,
	)
	if err != nil {
		return 0, errors.Wrap(err, "insert task")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "read task id")
	}
	return id, nil
}

// Get implements tasks.Store.
func (s *SQLite) Get(ctx context.Context, id int64) (*tasks.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, failure.NotFound("get task", "task", strconv.FormatInt(id, 10))
	}
	if err != nil {
		return nil, errors.Wrap(err, "query task")
	}
	return task, nil
}

// FetchEligible implements tasks.Store.
func (s *SQLite) FetchEligible(ctx context.Context, now time.Time, limit int) ([]*tasks.Task, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND retry_count < max_retries AND (not_before IS NULL OR not_before <= ?)
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT ?`,
		string(tasks.StatusPending), now.UnixNano(), limit,
	)
}

// ListPending implements tasks.Store.
func (s *SQLite) ListPending(ctx context.Context, kind tasks.Kind) ([]*tasks.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = ?`
	args := []any{string(tasks.StatusPending)}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY priority DESC, created_at ASC, id ASC`
	return s.queryTasks(ctx, query, args...)
}

func (s *SQLite) queryTasks(ctx context.Context, query string, args ...any) ([]*tasks.Task, error) {
	log.Debug().Str("sql", formatSQLForLog(query, args...)).Msg("sqlite query")
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query tasks")
	}
	defer rows.Close()
	result := make([]*tasks.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan task")
		}
		result = append(result, task)
	}
	return result, errors.Wrap(rows.Err(), "iterate tasks")
}

// MarkRunning implements tasks.Store.
func (s *SQLite) MarkRunning(ctx context.Context, id int64, startedAt time.Time) error {
	res, err := s.exec(ctx,
		`UPDATE tasks SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		string(tasks.StatusRunning), startedAt.UnixNano(), id, string(tasks.StatusPending),
	)
	if err != nil {
		return errors.Wrap(err, "mark task running")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return errors.Errorf("task %d is not pending", id)
	}
	return nil
}

// Finish implements tasks.Store.
func (s *SQLite) Finish(ctx context.Context, outcome tasks.Outcome) error {
	result, err := encodeJSON(outcome.Result)
	if err != nil {
		return errors.Wrap(err, "encode task result")
	}
	res, err := s.exec(ctx,
		`UPDATE tasks SET status = ?, retry_count = ?, result = COALESCE(?, result), last_error = ?, finished_at = ? WHERE id = ?`,
		string(outcome.Status), outcome.RetryCount, result, outcome.Error, outcome.FinishedAt.UnixNano(), outcome.TaskID,
	)
	if err != nil {
		return errors.Wrap(err, "finish task")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return failure.NotFound("finish task", "task", strconv.FormatInt(outcome.TaskID, 10))
	}
	return nil
}

// AppendHistory implements tasks.Store.
func (s *SQLite) AppendHistory(ctx context.Context, rec tasks.History) error {
	result, err := encodeJSON(rec.Result)
	if err != nil {
		return errors.Wrap(err, "encode history result")
	}
	_, err = s.exec(ctx,
		`INSERT INTO task_history (id, task_id, device_serial, kind, attempt, status, started_at, ended_at, result, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TaskID, rec.DeviceSerial, string(rec.Kind), rec.Attempt, string(rec.Status),
		rec.StartedAt.UnixNano(), rec.EndedAt.UnixNano(), result, rec.Error,
	)
	return errors.Wrap(err, "insert task history")
}

// History implements tasks.Store.
func (s *SQLite) History(ctx context.Context, taskID int64) ([]tasks.History, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, device_serial, kind, attempt, status, started_at, ended_at, result, error
		FROM task_history WHERE task_id = ? ORDER BY started_at ASC, attempt ASC`, taskID)
	if err != nil {
		return nil, errors.Wrap(err, "query task history")
	}
	defer rows.Close()
	result := make([]tasks.History, 0)
	for rows.Next() {
		var (
			rec            tasks.History
			kind, status   string
			started, ended int64
			payload        sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.TaskID, &rec.DeviceSerial, &kind, &rec.Attempt, &status,
			&started, &ended, &payload, &rec.Error); err != nil {
			return nil, errors.Wrap(err, "scan task history")
		}
		rec.Kind = tasks.Kind(kind)
		rec.Status = tasks.Status(status)
		rec.StartedAt = time.Unix(0, started)
		rec.EndedAt = time.Unix(0, ended)
		if rec.Result, err = decodeJSON(payload); err != nil {
			return nil, errors.Wrap(err, "decode history result")
		}
		result = append(result, rec)
	}
	return result, errors.Wrap(rows.Err(), "iterate task history")
}

// PutAccount stores or replaces an account.
func (s *SQLite) PutAccount(ctx context.Context, acc tasks.Account) error {
	ref := strings.TrimSpace(acc.Ref)
	if ref == "" {
		return errors.New("account ref is empty")
	}
	variants, err := json.Marshal(acc.AppVariants)
	if err != nil {
		return errors.Wrap(err, "encode app variants")
	}
	// credentials are never logged
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO accounts (ref, username, password, second_factor_secret, app, app_variants)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(ref) DO UPDATE SET username = excluded.username, password = excluded.password,
			second_factor_secret = excluded.second_factor_secret, app = excluded.app, app_variants = excluded.app_variants`,
		ref, acc.Username, acc.Password, acc.SecondFactorSecret, acc.App, string(variants),
	)
	return errors.Wrap(err, "upsert account")
}

// Lookup implements tasks.AccountStore.
func (s *SQLite) Lookup(ctx context.Context, ref string) (*tasks.Account, error) {
	var (
		acc      tasks.Account
		variants sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT ref, username, password, second_factor_secret, app, app_variants FROM accounts WHERE ref = ?`,
		strings.TrimSpace(ref),
	).Scan(&acc.Ref, &acc.Username, &acc.Password, &acc.SecondFactorSecret, &acc.App, &variants)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, failure.NotFound("lookup account", "account", ref)
	}
	if err != nil {
		return nil, errors.Wrap(err, "query account")
	}
	if variants.Valid && variants.String != "" && variants.String != "null" {
		if err := json.Unmarshal([]byte(variants.String), &acc.AppVariants); err != nil {
			return nil, errors.Wrap(err, "decode app variants")
		}
	}
	return &acc, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*tasks.Task, error) {
	var (
		task                         tasks.Task
		kind, status                 string
		created                      int64
		notBefore, started, finished sql.NullInt64
		params, result               sql.NullString
	)
	if err := row.Scan(&task.ID, &task.DeviceSerial, &task.AccountRef, &kind, &status, &task.Priority,
		&created, &notBefore, &task.RetryCount, &task.MaxRetries, &params, &result, &task.LastError,
		&started, &finished); err != nil {
		return nil, err
	}
	task.Kind = tasks.Kind(kind)
	task.Status = tasks.Status(status)
	task.CreatedAt = time.Unix(0, created)
	task.NotBefore = timeFromNanos(notBefore)
	task.StartedAt = timeFromNanos(started)
	task.FinishedAt = timeFromNanos(finished)
	var err error
	if task.Params, err = decodeJSON(params); err != nil {
		return nil, errors.Wrap(err, "decode params")
	}
	if task.Result, err = decodeJSON(result); err != nil {
		return nil, errors.Wrap(err, "decode result")
	}
	return &task, nil
}

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func timeFromNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}

func encodeJSON(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func decodeJSON(v sql.NullString) (map[string]any, error) {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil, nil
	}
	out := make(map[string]any)
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}
