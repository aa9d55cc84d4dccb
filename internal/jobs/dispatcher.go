package jobs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/jo-hoe/pdfscribe/internal/common"
	"github.com/jo-hoe/pdfscribe/internal/util"
)

// Submission is a validated upload waiting to become a job.
type Submission struct {
	OriginalFilename string
	SourcePath       string
	PromptID         *int64
}

// Dispatcher creates job records and hands them to the worker queue.
type Dispatcher struct {
	log           *slog.Logger
	store         Store
	queue         *Queue
	defaultPrompt string
}

func NewDispatcher(log *slog.Logger, store Store, queue *Queue, defaultPrompt string) *Dispatcher {
	return &Dispatcher{
		log:           log,
		store:         store,
		queue:         queue,
		defaultPrompt: defaultPrompt,
	}
}

// Submit creates a queued job and enqueues it. It returns as soon as the job
// is queued; the outcome is observed through the store.
func (d *Dispatcher) Submit(ctx context.Context, sub Submission) (*Job, error) {
	prompt, err := d.resolvePrompt(ctx, sub.PromptID)
	if err != nil {
		return nil, err
	}
	job := Job{
		ID:               util.NewID(),
		Status:           StatusQueued,
		Message:          "Queued",
		OriginalFilename: sub.OriginalFilename,
		UsedPrompt:       prompt,
		SourcePath:       sub.SourcePath,
		CreatedAt:        time.Now().UTC(),
	}
	if err := d.store.CreateJob(ctx, &job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	err = d.queue.Enqueue(WorkItem{Job: job, Cleanup: removeSource(job.SourcePath)})
	if err != nil {
		// roll back: no worker will ever pick this job up
		if delErr := d.store.DeleteJob(ctx, job.ID); delErr != nil {
			d.log.Warn("rollback job after enqueue failure", "job_id", job.ID, "err", delErr)
		}
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	d.log.Info("job queued", "job_id", job.ID, "filename", job.OriginalFilename)
	return &job, nil
}

func (d *Dispatcher) resolvePrompt(ctx context.Context, id *int64) (string, error) {
	if id != nil {
		p, err := d.store.GetPrompt(ctx, *id)
		if err != nil {
			return "", err
		}
		return p.Content, nil
	}
	p, err := d.store.DefaultPrompt(ctx)
	if err == nil {
		return p.Content, nil
	}
	if !errors.Is(err, ErrPromptNotFound) {
		return "", err
	}
	return d.defaultPrompt, nil
}

// Cancel requests cancellation of an active job. It reports whether a request
// was recorded; terminal jobs are left untouched.
func (d *Dispatcher) Cancel(ctx context.Context, id string) (bool, error) {
	job, err := d.store.GetJob(ctx, id)
	if err != nil {
		return false, err
	}
	if !job.Status.Active() {
		return false, nil
	}
	changed, err := d.store.MarkCancelled(ctx, id)
	if err != nil {
		return false, err
	}
	d.queue.Signal(id)
	d.log.Info("job cancellation requested", "job_id", id, "changed", changed)
	return changed, nil
}

// Delete removes a job and its pages. A running pipeline notices at its next
// checkpoint and stops without further writes.
func (d *Dispatcher) Delete(ctx context.Context, id string) error {
	job, err := d.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if err := d.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	if !d.queue.Signal(id) {
		// No worker owns the upload any more.
		if err := removeSource(job.SourcePath)(); err != nil {
			d.log.Warn("remove source", "job_id", id, "err", err)
		}
	}
	d.log.Info("job deleted", "job_id", id)
	return nil
}

// Recover re-enqueues jobs left active by a previous process. Each resumes
// after its last persisted page. Jobs whose upload is gone are marked failed.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	active, err := d.store.ListActiveJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active jobs: %w", err)
	}
	recovered := 0
	for _, job := range active {
		log := d.log.With("job_id", job.ID)
		if _, err := os.Stat(job.SourcePath); err != nil {
			log.Warn("source missing, failing job", "path", job.SourcePath, "err", err)
			patch := Patch{}.
				WithStatus(StatusError).
				WithError(fmt.Sprintf("source file unavailable after restart: %v", err)).
				WithMessage(common.MessageFailed).
				WithCompletedAt(time.Now())
			if err := d.store.UpdateJob(ctx, job.ID, patch); err != nil {
				log.Error("fail orphaned job", "err", err)
			}
			continue
		}
		last, err := d.store.LastPage(ctx, job.ID)
		if err != nil {
			return recovered, err
		}
		item := WorkItem{Job: job, ResumeAfter: last, Cleanup: removeSource(job.SourcePath)}
		if err := d.queue.Enqueue(item); err != nil {
			if errors.Is(err, ErrAlreadyActive) {
				continue
			}
			return recovered, fmt.Errorf("re-enqueue %s: %w", job.ID, err)
		}
		log.Info("job recovered", "status", job.Status, "resume_after", last)
		recovered++
	}
	return recovered, nil
}

func removeSource(path string) func() error {
	return func() error {
		if path == "" {
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
}
