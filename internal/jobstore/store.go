// Package jobstore persists historical jobs, their per-(ticker, date) tasks
// and a capped activity log in a single SQLite file. Cursor advancement is
// transactional with the parent job's counters, so a restart resumes every
// task at its last persisted page.
package jobstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// JobStatus values a job moves through.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobRunning    JobStatus = "running"
	JobPaused     JobStatus = "paused"
	JobAuthPaused JobStatus = "auth_paused"
	JobCompleted  JobStatus = "completed"
	JobCancelled  JobStatus = "cancelled"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobCancelled || s == JobFailed
}

// TaskStatus values a task moves through.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
	TaskSkipped    TaskStatus = "skipped"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether the task status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskSkipped || s == TaskFailed
}

// Job is one historical ingestion request over tickers × dates.
type Job struct {
	ID           string        `json:"id"`
	Tickers      []string      `json:"tickers"`
	DateFrom     string        `json:"date_from"`
	DateUntil    string        `json:"date_until"`
	Delay        time.Duration `json:"delay_between_requests"`
	Status       JobStatus     `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	RowsWritten  int64         `json:"rows_written"`
	PagesFetched int64         `json:"pages_fetched"`
	ErrorCount   int64         `json:"error_count"`
	LastError    string        `json:"last_error,omitempty"`
}

// Task is one (ticker, date) unit of a job. NextCursor empty means "latest".
type Task struct {
	JobID       string     `json:"job_id"`
	Ticker      string     `json:"ticker"`
	Date        string     `json:"date"`
	Status      TaskStatus `json:"status"`
	NextCursor  string     `json:"next_cursor,omitempty"`
	RowsWritten int64      `json:"rows_written"`
}

// LogEntry is one row of the capped activity log.
type LogEntry struct {
	ID      int64     `json:"id"`
	TS      time.Time `json:"ts"`
	Level   string    `json:"level"`
	JobID   string    `json:"job_id,omitempty"`
	Message string    `json:"message"`
}

// ErrNotFound is returned for unknown job ids.
var ErrNotFound = errors.New("jobstore: not found")

const defaultMaxLogs = 1000

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	tickers       TEXT NOT NULL,
	date_from     TEXT NOT NULL,
	date_until    TEXT NOT NULL,
	delay_ms      INTEGER NOT NULL DEFAULT 0,
	status        TEXT NOT NULL,
	created_at    DATETIME NOT NULL,
	started_at    DATETIME,
	completed_at  DATETIME,
	rows_written  INTEGER NOT NULL DEFAULT 0,
	pages_fetched INTEGER NOT NULL DEFAULT 0,
	error_count   INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS tasks (
	job_id       TEXT NOT NULL REFERENCES jobs(id),
	ticker       TEXT NOT NULL,
	date         TEXT NOT NULL,
	status       TEXT NOT NULL,
	next_cursor  TEXT NOT NULL DEFAULT '',
	rows_written INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (job_id, ticker, date)
);
CREATE INDEX IF NOT EXISTS idx_tasks_status_job ON tasks (status, job_id);
CREATE TABLE IF NOT EXISTS logs (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	ts      DATETIME NOT NULL,
	level   TEXT NOT NULL,
	job_id  TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL
);
`

// Store wraps the SQLite file. Multi-statement mutations take the store
// mutex; SQLite itself serializes individual statements.
type Store struct {
	db      *sql.DB
	mu      sync.Mutex
	logger  zerolog.Logger
	maxLogs int
}

// Open creates or opens the database, applies the schema, and reclaims any
// task left in_progress by an unclean shutdown back to queued.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_fk=1", url.PathEscape(path))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("jobstore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("jobstore: apply schema: %w", err)
	}

	s := &Store{
		db:      db,
		logger:  logger.With().Str("component", "jobstore").Logger(),
		maxLogs: defaultMaxLogs,
	}
	if err := s.reclaimInProgress(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// reclaimInProgress requeues tasks orphaned by a crash.
func (s *Store) reclaimInProgress() error {
	res, err := s.db.Exec(`UPDATE tasks SET status = ? WHERE status = ?`, TaskQueued, TaskInProgress)
	if err != nil {
		return fmt.Errorf("jobstore: reclaim in_progress tasks: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info().Int64("tasks", n).Msg("requeued tasks left in_progress by previous run")
	}
	return nil
}

// CreateJob inserts the job and one queued task per ticker × date, all in
// one transaction. Task order (date-major, tickers in request order) is the
// order the worker drains them.
func (s *Store) CreateJob(job *Job) error {
	dates, err := expandDates(job.DateFrom, job.DateUntil)
	if err != nil {
		return err
	}
	tickersJSON, err := json.Marshal(job.Tickers)
	if err != nil {
		return fmt.Errorf("jobstore: marshal tickers: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("jobstore: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO jobs
		(id, tickers, date_from, date_until, delay_ms, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(tickersJSON), job.DateFrom, job.DateUntil,
		job.Delay.Milliseconds(), job.Status, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("jobstore: insert job %s: %w", job.ID, err)
	}

	stmt, err := tx.Prepare(`INSERT INTO tasks (job_id, ticker, date, status) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("jobstore: prepare task insert: %w", err)
	}
	defer stmt.Close()
	for _, date := range dates {
		for _, ticker := range job.Tickers {
			if _, err := stmt.Exec(job.ID, ticker, date, TaskQueued); err != nil {
				return fmt.Errorf("jobstore: insert task %s/%s/%s: %w", job.ID, ticker, date, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("jobstore: commit job %s: %w", job.ID, err)
	}
	s.logger.Info().Str("job_id", job.ID).Int("tasks", len(dates)*len(job.Tickers)).Msg("job created")
	return nil
}

const jobColumns = `id, tickers, date_from, date_until, delay_ms, status,
	created_at, started_at, completed_at, rows_written, pages_fetched,
	error_count, last_error`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var (
		job         Job
		tickersJSON string
		delayMS     int64
	)
	err := row.Scan(&job.ID, &tickersJSON, &job.DateFrom, &job.DateUntil,
		&delayMS, &job.Status, &job.CreatedAt, &job.StartedAt,
		&job.CompletedAt, &job.RowsWritten, &job.PagesFetched,
		&job.ErrorCount, &job.LastError)
	if err != nil {
		return nil, err
	}
	job.Delay = time.Duration(delayMS) * time.Millisecond
	if err := json.Unmarshal([]byte(tickersJSON), &job.Tickers); err != nil {
		return nil, fmt.Errorf("jobstore: job %s tickers: %w", job.ID, err)
	}
	return &job, nil
}

// GetJob loads one job by id.
func (s *Store) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("jobstore: job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore: load job %s: %w", id, err)
	}
	return job, nil
}

// ListJobs returns every job, newest first.
func (s *Store) ListJobs() ([]*Job, error) {
	rows, err := s.db.Query(`SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("jobstore: list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("jobstore: list jobs: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// JobsByStatus returns jobs currently in the given status, oldest first.
func (s *Store) JobsByStatus(status JobStatus) ([]*Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at`, status)
	if err != nil {
		return nil, fmt.Errorf("jobstore: jobs by status: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("jobstore: jobs by status: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateJobStatus persists a status transition. Entering running stamps
// started_at once; entering a terminal status stamps completed_at.
func (s *Store) UpdateJobStatus(id string, status JobStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var res sql.Result
	var err error
	switch {
	case status == JobRunning:
		res, err = s.db.Exec(`UPDATE jobs SET status = ?, last_error = ?,
			started_at = COALESCE(started_at, ?) WHERE id = ?`, status, lastError, now, id)
	case status.Terminal():
		res, err = s.db.Exec(`UPDATE jobs SET status = ?, last_error = ?,
			completed_at = ? WHERE id = ?`, status, lastError, now, id)
	default:
		res, err = s.db.Exec(`UPDATE jobs SET status = ?, last_error = ? WHERE id = ?`, status, lastError, id)
	}
	if err != nil {
		return fmt.Errorf("jobstore: update job %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("jobstore: job %s: %w", id, ErrNotFound)
	}
	return nil
}

// IncrementJobError bumps error_count and records the message.
func (s *Store) IncrementJobError(id, lastError string) error {
	_, err := s.db.Exec(`UPDATE jobs SET error_count = error_count + 1, last_error = ? WHERE id = ?`, lastError, id)
	if err != nil {
		return fmt.Errorf("jobstore: record job %s error: %w", id, err)
	}
	return nil
}

// Tasks returns every task of a job in creation order.
func (s *Store) Tasks(jobID string) ([]Task, error) {
	rows, err := s.db.Query(`SELECT job_id, ticker, date, status, next_cursor, rows_written
		FROM tasks WHERE job_id = ? ORDER BY rowid`, jobID)
	if err != nil {
		return nil, fmt.Errorf("jobstore: tasks of %s: %w", jobID, err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.JobID, &t.Ticker, &t.Date, &t.Status, &t.NextCursor, &t.RowsWritten); err != nil {
			return nil, fmt.Errorf("jobstore: tasks of %s: %w", jobID, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// PickNextRunnable claims the oldest queued task belonging to a running job
// and marks it in_progress, in one transaction. Returns nil when nothing is
// runnable.
func (s *Store) PickNextRunnable() (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("jobstore: begin: %w", err)
	}
	defer tx.Rollback()

	var t Task
	err = tx.QueryRow(`SELECT t.job_id, t.ticker, t.date, t.status, t.next_cursor, t.rows_written
		FROM tasks t JOIN jobs j ON j.id = t.job_id
		WHERE t.status = ? AND j.status = ?
		ORDER BY t.rowid LIMIT 1`, TaskQueued, JobRunning).
		Scan(&t.JobID, &t.Ticker, &t.Date, &t.Status, &t.NextCursor, &t.RowsWritten)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore: pick runnable task: %w", err)
	}

	_, err = tx.Exec(`UPDATE tasks SET status = ? WHERE job_id = ? AND ticker = ? AND date = ?`,
		TaskInProgress, t.JobID, t.Ticker, t.Date)
	if err != nil {
		return nil, fmt.Errorf("jobstore: claim task %s/%s/%s: %w", t.JobID, t.Ticker, t.Date, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("jobstore: claim task: %w", err)
	}
	t.Status = TaskInProgress
	return &t, nil
}

// UpdateTask persists one page of progress: task status, cursor and row
// delta together with the parent job's counters, in one transaction.
func (s *Store) UpdateTask(jobID, ticker, date string, status TaskStatus, nextCursor string, rowsDelta, pagesDelta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("jobstore: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE tasks SET status = ?, next_cursor = ?,
		rows_written = rows_written + ? WHERE job_id = ? AND ticker = ? AND date = ?`,
		status, nextCursor, rowsDelta, jobID, ticker, date)
	if err != nil {
		return fmt.Errorf("jobstore: update task %s/%s/%s: %w", jobID, ticker, date, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("jobstore: task %s/%s/%s: %w", jobID, ticker, date, ErrNotFound)
	}

	_, err = tx.Exec(`UPDATE jobs SET rows_written = rows_written + ?,
		pages_fetched = pages_fetched + ? WHERE id = ?`, rowsDelta, pagesDelta, jobID)
	if err != nil {
		return fmt.Errorf("jobstore: update job %s counters: %w", jobID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("jobstore: commit task %s/%s/%s: %w", jobID, ticker, date, err)
	}
	return nil
}

// SkipPending moves every non-terminal task of a job to skipped (cancel).
func (s *Store) SkipPending(jobID string) error {
	_, err := s.db.Exec(`UPDATE tasks SET status = ? WHERE job_id = ? AND status IN (?, ?)`,
		TaskSkipped, jobID, TaskQueued, TaskInProgress)
	if err != nil {
		return fmt.Errorf("jobstore: skip pending tasks of %s: %w", jobID, err)
	}
	return nil
}

// TaskCounts returns the number of tasks per status for a job.
func (s *Store) TaskCounts(jobID string) (map[TaskStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM tasks WHERE job_id = ? GROUP BY status`, jobID)
	if err != nil {
		return nil, fmt.Errorf("jobstore: task counts of %s: %w", jobID, err)
	}
	defer rows.Close()

	counts := make(map[TaskStatus]int)
	for rows.Next() {
		var status TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("jobstore: task counts of %s: %w", jobID, err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// AppendLog records one activity line and trims the log to the cap.
func (s *Store) AppendLog(level, jobID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`INSERT INTO logs (ts, level, job_id, message) VALUES (?, ?, ?, ?)`,
		time.Now().UTC(), level, jobID, message); err != nil {
		return fmt.Errorf("jobstore: append log: %w", err)
	}
	_, err := s.db.Exec(`DELETE FROM logs WHERE id <= (
		SELECT id FROM logs ORDER BY id DESC LIMIT 1 OFFSET ?)`, s.maxLogs)
	if err != nil {
		return fmt.Errorf("jobstore: trim logs: %w", err)
	}
	return nil
}

// RecentLogs returns up to limit entries, newest first.
func (s *Store) RecentLogs(limit int) ([]LogEntry, error) {
	if limit <= 0 || limit > defaultMaxLogs {
		limit = defaultMaxLogs
	}
	rows, err := s.db.Query(`SELECT id, ts, level, job_id, message FROM logs
		ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("jobstore: recent logs: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.TS, &e.Level, &e.JobID, &e.Message); err != nil {
			return nil, fmt.Errorf("jobstore: recent logs: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// expandDates lists the inclusive calendar range, oldest first.
func expandDates(from, until string) ([]string, error) {
	start, err := time.Parse("2006-01-02", from)
	if err != nil {
		return nil, fmt.Errorf("jobstore: date_from %q: %w", from, err)
	}
	end, err := time.Parse("2006-01-02", until)
	if err != nil {
		return nil, fmt.Errorf("jobstore: date_until %q: %w", until, err)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("jobstore: date_until %s precedes date_from %s", until, from)
	}

	var dates []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format("2006-01-02"))
	}
	return dates, nil
}
