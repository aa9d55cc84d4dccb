package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jo-hoe/pdfscribe/internal/common"
)

// timeLayout is fixed-width so that TEXT ordering matches chronological ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const jobColumns = `id, status, progress, current_page, total_pages, message, error, cancelled,
	original_filename, used_prompt, source_path, created_at, started_at, completed_at`

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	// Busy timeout to avoid SQLITE_BUSY in concurrent access; immediate transactions
	// take the write lock up front so read-then-write transactions cannot deadlock.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_txlock=immediate",
		path, common.SQLiteBusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		current_page INTEGER NOT NULL DEFAULT 0,
		total_pages INTEGER NOT NULL DEFAULT 0,
		message TEXT NOT NULL DEFAULT '',
		error TEXT,
		cancelled INTEGER NOT NULL DEFAULT 0,
		original_filename TEXT NOT NULL DEFAULT '',
		used_prompt TEXT NOT NULL DEFAULT '',
		source_path TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);

	CREATE TABLE IF NOT EXISTS job_pages (
		job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		page_number INTEGER NOT NULL,
		content TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (job_id, page_number)
	);

	CREATE TABLE IF NOT EXISTS prompts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		content TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		is_default INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	if err := seedPrompts(db); err != nil {
		return fmt.Errorf("seed prompts: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if job.ID == "" {
		return errors.New("job.ID is required")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = StatusQueued
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, status, progress, current_page, total_pages, message, cancelled,
			original_filename, used_prompt, source_path, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		job.ID, string(job.Status), job.Progress, job.CurrentPage, job.TotalPages, job.Message,
		job.OriginalFilename, job.UsedPrompt, job.SourcePath, formatTime(job.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("insert job %s: %w", job.ID, ErrDuplicate)
	}
	return nil
}

// UpdateJob applies patch as a single UPDATE. Only active jobs can be patched.
func (s *SQLiteStore) UpdateJob(ctx context.Context, id string, patch Patch) error {
	if patch.Empty() {
		return nil
	}
	sets, args := patch.assignments()
	args = append(args, id, string(StatusQueued), string(StatusProcessing))
	query := `UPDATE jobs SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND status IN (?, ?)`

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		if n > 0 {
			return nil
		}
		return missingOrTerminal(ctx, tx, id)
	})
}

func (p Patch) assignments() ([]string, []any) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if p.status != nil {
		add("status", string(*p.status))
	}
	if p.progress != nil {
		add("progress", *p.progress)
	}
	if p.currentPage != nil {
		add("current_page", *p.currentPage)
	}
	if p.totalPages != nil {
		add("total_pages", *p.totalPages)
	}
	if p.message != nil {
		add("message", *p.message)
	}
	if p.errMsg != nil {
		add("error", *p.errMsg)
	}
	if p.startedAt != nil {
		add("started_at", formatTime(*p.startedAt))
	}
	if p.completedAt != nil {
		add("completed_at", formatTime(*p.completedAt))
	}
	return sets, args
}

// MarkCancelled sets the cancellation flag on an active job. The status
// transition is left to the pipeline that owns the job.
func (s *SQLiteStore) MarkCancelled(ctx context.Context, id string) (bool, error) {
	changed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET cancelled = 1 WHERE id = ? AND status IN (?, ?)`,
			id, string(StatusQueued), string(StatusProcessing))
		if err != nil {
			return fmt.Errorf("mark cancelled: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark cancelled: %w", err)
		}
		if n > 0 {
			changed = true
			return nil
		}
		if err := missingOrTerminal(ctx, tx, id); errors.Is(err, ErrNotFound) {
			return err
		}
		return nil
	})
	return changed, err
}

// DeleteJob removes the job and all of its pages.
func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM job_pages WHERE job_id = ?`, id); err != nil {
			return fmt.Errorf("delete pages: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// ListJobs returns all jobs, newest first.
func (s *SQLiteStore) ListJobs(ctx context.Context) ([]Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, rowid DESC`)
}

// ListActiveJobs returns queued and processing jobs, oldest first.
func (s *SQLiteStore) ListActiveJobs(ctx context.Context) ([]Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status IN (?, ?) ORDER BY created_at ASC, rowid ASC`,
		string(StatusQueued), string(StatusProcessing))
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...any) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// AppendPage stores one page result. Pages are append-only and must arrive in
// strictly increasing order.
func (s *SQLiteStore) AppendPage(ctx context.Context, page PageResult) error {
	if page.PageNumber < 1 {
		return fmt.Errorf("page number %d: %w", page.PageNumber, ErrPageOrder)
	}
	if page.CreatedAt.IsZero() {
		page.CreatedAt = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM jobs WHERE id = ?`, page.JobID).Scan(&exists); err != nil {
			return fmt.Errorf("lookup job: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		var last int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(page_number), 0) FROM job_pages WHERE job_id = ?`, page.JobID).Scan(&last); err != nil {
			return fmt.Errorf("lookup last page: %w", err)
		}
		if page.PageNumber <= last {
			return fmt.Errorf("page %d after %d: %w", page.PageNumber, last, ErrPageOrder)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO job_pages (job_id, page_number, content, created_at) VALUES (?, ?, ?, ?)`,
			page.JobID, page.PageNumber, page.Content, formatTime(page.CreatedAt)); err != nil {
			return fmt.Errorf("insert page: %w", err)
		}
		return nil
	})
}

// ListPages returns the job's page results ordered by page number.
func (s *SQLiteStore) ListPages(ctx context.Context, jobID string) ([]PageResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, page_number, content, created_at FROM job_pages WHERE job_id = ? ORDER BY page_number ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query pages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]PageResult, 0)
	for rows.Next() {
		var p PageResult
		var created string
		if err := rows.Scan(&p.JobID, &p.PageNumber, &p.Content, &created); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		p.CreatedAt = parseTime(created)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}
	return out, nil
}

// LastPage returns the highest stored page number for the job, or 0.
func (s *SQLiteStore) LastPage(ctx context.Context, jobID string) (int, error) {
	var last int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(page_number), 0) FROM job_pages WHERE job_id = ?`, jobID).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("last page: %w", err)
	}
	return last, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func missingOrTerminal(ctx context.Context, tx *sql.Tx, id string) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup status: %w", err)
	}
	return fmt.Errorf("job %s is %s: %w", id, status, ErrTerminal)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var status, created string
	var errMsg, started, completed sql.NullString
	var cancelled int

	if err := row.Scan(
		&job.ID,
		&status,
		&job.Progress,
		&job.CurrentPage,
		&job.TotalPages,
		&job.Message,
		&errMsg,
		&cancelled,
		&job.OriginalFilename,
		&job.UsedPrompt,
		&job.SourcePath,
		&created,
		&started,
		&completed,
	); err != nil {
		return nil, err
	}

	job.Status = Status(status)
	job.Cancelled = cancelled != 0
	job.CreatedAt = parseTime(created)
	if errMsg.Valid {
		v := errMsg.String
		job.Error = &v
	}
	if started.Valid {
		t := parseTime(started.String)
		job.StartedAt = &t
	}
	if completed.Valid {
		t := parseTime(completed.String)
		job.CompletedAt = &t
	}
	return &job, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by other tools may use RFC3339.
		if t2, err2 := time.Parse(time.RFC3339Nano, s); err2 == nil {
			return t2
		}
		return time.Time{}
	}
	return t
}
