package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeSource(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("%PDF-1.4\n"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return path
}

func TestDispatcher_SubmitUsesDefaultPrompt(t *testing.T) {
	store := newTestStore(t)
	seen := make(chan WorkItem, 1)
	q := NewQueue(discardLogger(), 4, 1)
	if err := q.Start(context.Background(), funcProcessor(func(ctx context.Context, item WorkItem) error {
		seen <- item
		return nil
	})); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Shutdown(time.Second)

	d := NewDispatcher(discardLogger(), store, q, "fallback")
	src := writeSource(t, "a.pdf")
	job, err := d.Submit(context.Background(), Submission{OriginalFilename: "a.pdf", SourcePath: src})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Status != StatusQueued || job.ID == "" {
		t.Fatalf("unexpected job: %+v", job)
	}

	item := <-seen
	if item.Job.ID != job.ID || item.ResumeAfter != 0 || item.Cancelled == nil {
		t.Fatalf("unexpected work item: %+v", item)
	}
	stored, err := store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	def, _ := store.DefaultPrompt(context.Background())
	if stored.UsedPrompt != def.Content {
		t.Fatalf("used prompt = %q, want seeded default", stored.UsedPrompt)
	}
	// cleanup removes the upload once the worker is done
	waitFor(t, func() bool {
		_, err := os.Stat(src)
		return errors.Is(err, os.ErrNotExist)
	})
}

func TestDispatcher_SubmitWithPromptID(t *testing.T) {
	store := newTestStore(t)
	q := NewQueue(discardLogger(), 4, 1)
	if err := q.Start(context.Background(), &countingProcessor{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Shutdown(time.Second)
	d := NewDispatcher(discardLogger(), store, q, "fallback")
	ctx := context.Background()

	p := &Prompt{Name: "custom", Content: "<image>\nOnly tables."}
	if err := store.CreatePrompt(ctx, p); err != nil {
		t.Fatalf("CreatePrompt: %v", err)
	}
	job, err := d.Submit(ctx, Submission{OriginalFilename: "b.pdf", SourcePath: writeSource(t, "b.pdf"), PromptID: &p.ID})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.UsedPrompt != p.Content {
		t.Fatalf("used prompt = %q", job.UsedPrompt)
	}

	missing := int64(404)
	if _, err := d.Submit(ctx, Submission{SourcePath: writeSource(t, "c.pdf"), PromptID: &missing}); !errors.Is(err, ErrPromptNotFound) {
		t.Fatalf("unknown prompt err = %v", err)
	}
}

func TestDispatcher_SubmitRollsBackWhenQueueRejects(t *testing.T) {
	store := newTestStore(t)
	q := NewQueue(discardLogger(), 1, 1)
	d := NewDispatcher(discardLogger(), store, q, "fallback")

	_, err := d.Submit(context.Background(), Submission{SourcePath: writeSource(t, "d.pdf")})
	if !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Submit err = %v, want ErrNotStarted", err)
	}
	all, _ := store.ListJobs(context.Background())
	if len(all) != 0 {
		t.Fatalf("job not rolled back: %d", len(all))
	}
}

func TestDispatcher_CancelAndDelete(t *testing.T) {
	store := newTestStore(t)
	q := NewQueue(discardLogger(), 4, 1)
	release := make(chan struct{})
	cancelled := make(chan struct{})
	if err := q.Start(context.Background(), funcProcessor(func(ctx context.Context, item WorkItem) error {
		select {
		case <-item.Cancelled:
			close(cancelled)
		case <-release:
		}
		return nil
	})); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Shutdown(time.Second)
	d := NewDispatcher(discardLogger(), store, q, "fallback")
	ctx := context.Background()

	job, err := d.Submit(ctx, Submission{SourcePath: writeSource(t, "e.pdf")})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	changed, err := d.Cancel(ctx, job.ID)
	if err != nil || !changed {
		t.Fatalf("Cancel = %v, %v", changed, err)
	}
	<-cancelled
	got, _ := store.GetJob(ctx, job.ID)
	if !got.Cancelled {
		t.Fatalf("cancel flag not stored")
	}

	if _, err := d.Cancel(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancel missing err = %v", err)
	}

	// terminal jobs ignore cancel
	if err := store.UpdateJob(ctx, job.ID, Patch{}.WithStatus(StatusCancelled)); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	changed, err = d.Cancel(ctx, job.ID)
	if err != nil || changed {
		t.Fatalf("Cancel on terminal = %v, %v", changed, err)
	}

	if err := d.Delete(ctx, job.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.GetJob(ctx, job.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("job still present after delete")
	}
	if err := d.Delete(ctx, job.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v", err)
	}
	close(release)
}

func TestDispatcher_DeleteRemovesSourceOfIdleJob(t *testing.T) {
	store := newTestStore(t)
	q := NewQueue(discardLogger(), 1, 1)
	d := NewDispatcher(discardLogger(), store, q, "fallback")
	ctx := context.Background()

	src := writeSource(t, "f.pdf")
	if err := store.CreateJob(ctx, &Job{ID: "idle", SourcePath: src, Status: StatusError}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := d.Delete(ctx, "idle"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(src); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("source not removed: %v", err)
	}
}

func TestDispatcher_Recover(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	src := writeSource(t, "g.pdf")
	if err := store.CreateJob(ctx, &Job{ID: "resume", SourcePath: src}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := store.UpdateJob(ctx, "resume", Patch{}.WithStatus(StatusProcessing).WithTotalPages(3)); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	for i := 1; i <= 2; i++ {
		if err := store.AppendPage(ctx, PageResult{JobID: "resume", PageNumber: i, Content: "x"}); err != nil {
			t.Fatalf("AppendPage: %v", err)
		}
	}
	if err := store.CreateJob(ctx, &Job{ID: "orphan", SourcePath: filepath.Join(t.TempDir(), "gone.pdf")}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := store.CreateJob(ctx, &Job{ID: "done", Status: StatusCompleted}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	seen := make(chan WorkItem, 4)
	q := NewQueue(discardLogger(), 4, 1)
	if err := q.Start(ctx, funcProcessor(func(ctx context.Context, item WorkItem) error {
		seen <- item
		return ErrInterrupted
	})); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Shutdown(time.Second)

	d := NewDispatcher(discardLogger(), store, q, "fallback")
	n, err := d.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d jobs, want 1", n)
	}
	item := <-seen
	if item.Job.ID != "resume" || item.ResumeAfter != 2 {
		t.Fatalf("unexpected recovered item: %+v", item)
	}

	orphan, _ := store.GetJob(ctx, "orphan")
	if orphan.Status != StatusError || orphan.Error == nil {
		t.Fatalf("orphan not failed: %+v", orphan)
	}
}
