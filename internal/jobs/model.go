package jobs

import (
	"context"
	"errors"
	"time"
)

// Status represents the lifecycle status of a recognition job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
)

// Active reports whether the status is queued or processing.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusProcessing
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

var (
	ErrNotFound  = errors.New("job not found")
	ErrDuplicate = errors.New("job already exists")
	ErrTerminal  = errors.New("job is in a terminal status")
	ErrPageOrder = errors.New("page number not greater than last stored page")

	ErrPromptNotFound = errors.New("prompt not found")
	ErrInvalidPrompt  = errors.New("invalid prompt")
)

// Job describes a single PDF recognition request.
type Job struct {
	ID               string     `json:"id"`
	Status           Status     `json:"status"`
	Progress         int        `json:"progress"`
	CurrentPage      int        `json:"current_page"`
	TotalPages       int        `json:"total_pages"`
	Message          string     `json:"message"`
	Error            *string    `json:"error"`
	Cancelled        bool       `json:"cancelled"`
	OriginalFilename string     `json:"original_filename"`
	UsedPrompt       string     `json:"used_prompt"`
	SourcePath       string     `json:"-"` // uploaded PDF, kept until the job is terminal
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at"`
}

// PageResult is the extracted text of one page.
type PageResult struct {
	JobID      string    `json:"job_id"`
	PageNumber int       `json:"page_number"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// Prompt is a named instruction template.
type Prompt struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Content     string    `json:"content"`
	Description string    `json:"description"`
	IsDefault   bool      `json:"is_default"`
	CreatedAt   time.Time `json:"created_at"`
}

// Patch lists the mutable job fields to change. Unset fields are left untouched.
// Build it with the With* methods; the zero value changes nothing.
type Patch struct {
	status      *Status
	progress    *int
	currentPage *int
	totalPages  *int
	message     *string
	errMsg      *string
	startedAt   *time.Time
	completedAt *time.Time
}

func (p Patch) WithStatus(s Status) Patch         { p.status = &s; return p }
func (p Patch) WithProgress(v int) Patch          { p.progress = &v; return p }
func (p Patch) WithCurrentPage(v int) Patch       { p.currentPage = &v; return p }
func (p Patch) WithTotalPages(v int) Patch        { p.totalPages = &v; return p }
func (p Patch) WithMessage(m string) Patch        { p.message = &m; return p }
func (p Patch) WithError(e string) Patch          { p.errMsg = &e; return p }
func (p Patch) WithStartedAt(t time.Time) Patch   { t = t.UTC(); p.startedAt = &t; return p }
func (p Patch) WithCompletedAt(t time.Time) Patch { t = t.UTC(); p.completedAt = &t; return p }

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.status == nil && p.progress == nil && p.currentPage == nil && p.totalPages == nil &&
		p.message == nil && p.errMsg == nil && p.startedAt == nil && p.completedAt == nil
}

// Apply copies the set fields onto job. Used by in-memory stores.
func (p Patch) Apply(job *Job) {
	if p.status != nil {
		job.Status = *p.status
	}
	if p.progress != nil {
		job.Progress = *p.progress
	}
	if p.currentPage != nil {
		job.CurrentPage = *p.currentPage
	}
	if p.totalPages != nil {
		job.TotalPages = *p.totalPages
	}
	if p.message != nil {
		job.Message = *p.message
	}
	if p.errMsg != nil {
		e := *p.errMsg
		job.Error = &e
	}
	if p.startedAt != nil {
		t := *p.startedAt
		job.StartedAt = &t
	}
	if p.completedAt != nil {
		t := *p.completedAt
		job.CompletedAt = &t
	}
}

// Store defines persistence for Jobs, their page results and prompts.
type Store interface {
	CreateJob(ctx context.Context, job *Job) error
	UpdateJob(ctx context.Context, id string, patch Patch) error
	MarkCancelled(ctx context.Context, id string) (bool, error)
	DeleteJob(ctx context.Context, id string) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context) ([]Job, error)
	ListActiveJobs(ctx context.Context) ([]Job, error)

	AppendPage(ctx context.Context, page PageResult) error
	ListPages(ctx context.Context, jobID string) ([]PageResult, error)
	LastPage(ctx context.Context, jobID string) (int, error)

	ListPrompts(ctx context.Context) ([]Prompt, error)
	GetPrompt(ctx context.Context, id int64) (*Prompt, error)
	DefaultPrompt(ctx context.Context) (*Prompt, error)
	CreatePrompt(ctx context.Context, p *Prompt) error
	UpdatePrompt(ctx context.Context, p *Prompt) error

	Close() error
}
