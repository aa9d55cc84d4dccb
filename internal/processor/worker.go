package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jo-hoe/pdfscribe/internal/common"
	"github.com/jo-hoe/pdfscribe/internal/config"
	"github.com/jo-hoe/pdfscribe/internal/jobs"
	"github.com/jo-hoe/pdfscribe/internal/recognition"
	"github.com/jo-hoe/pdfscribe/internal/render"
)

// Worker implements jobs.Processor: it renders every page of the uploaded PDF,
// runs recognition on it and stores the text page by page.
type Worker struct {
	Log      *slog.Logger
	Cfg      *config.Config
	Store    jobs.Store
	Renderer render.Renderer
	Engine   *recognition.Runtime
}

// Ensure Worker implements jobs.Processor
var _ jobs.Processor = (*Worker)(nil)

func New(log *slog.Logger, cfg *config.Config, store jobs.Store, r render.Renderer, engine *recognition.Runtime) *Worker {
	return &Worker{
		Log:      log,
		Cfg:      cfg,
		Store:    store,
		Renderer: r,
		Engine:   engine,
	}
}

type verdict int

const (
	proceed verdict = iota
	stopCancelled
	// deleted, or finalized by someone else: no further writes
	stopSilently
	stopInterrupted
)

// errStop aborts the run after a write found the job deleted or already terminal.
var errStop = errors.New("job no longer writable")

func (w *Worker) Process(ctx context.Context, item jobs.WorkItem) error {
	job := item.Job
	log := w.Log.With("job_id", job.ID)

	prompt := job.UsedPrompt
	if prompt == "" {
		prompt = w.Cfg.Pipeline.DefaultPrompt
	}
	resumeFrom := item.ResumeAfter
	progress := job.Progress

	if v, err := w.checkpoint(ctx, item); v != proceed || err != nil {
		return w.stop(ctx, log, job.ID, v, err)
	}

	start := statusPatch(jobs.StatusProcessing).WithProgress(progress).WithMessage(common.MessageLoadingModel)
	if job.StartedAt == nil {
		start = start.WithStartedAt(time.Now())
	}
	if err := w.update(ctx, job.ID, start); err != nil {
		return w.fail(ctx, log, job.ID, err)
	}

	if err := w.Engine.Ensure(ctx); err != nil {
		if ctx.Err() != nil {
			return jobs.ErrInterrupted
		}
		return w.fail(ctx, log, job.ID, fmt.Errorf("failed to load model: %w", err))
	}

	progress = max(progress, 5)
	if err := w.update(ctx, job.ID, jobs.Patch{}.WithProgress(progress).WithMessage(common.MessageAnalyzing)); err != nil {
		return w.fail(ctx, log, job.ID, err)
	}

	total, err := w.Renderer.PageCount(job.SourcePath)
	if err != nil {
		log.Warn("could not determine page count, assuming 1", "err", err)
		total = 1
	}

	if v, err := w.checkpoint(ctx, item); v != proceed || err != nil {
		return w.stop(ctx, log, job.ID, v, err)
	}
	patch := jobs.Patch{}.
		WithTotalPages(total).
		WithCurrentPage(resumeFrom).
		WithMessage(fmt.Sprintf("Processing %d pages", total))
	if err := w.update(ctx, job.ID, patch); err != nil {
		return w.fail(ctx, log, job.ID, err)
	}
	log.Info("processing pages", "total", total, "resume_after", resumeFrom)

	handled := resumeFrom
	for i := resumeFrom + 1; i <= total; i++ {
		if v, err := w.checkpoint(ctx, item); v != proceed || err != nil {
			return w.stop(ctx, log, job.ID, v, err)
		}

		content, end := w.processPage(ctx, log, job, prompt, i)
		if ctx.Err() != nil {
			return jobs.ErrInterrupted
		}
		if end {
			log.Info("end of document", "page", i)
			break
		}

		err := w.Store.AppendPage(ctx, jobs.PageResult{JobID: job.ID, PageNumber: i, Content: content})
		switch {
		case errors.Is(err, jobs.ErrNotFound):
			log.Info("job deleted during processing")
			return nil
		case errors.Is(err, jobs.ErrPageOrder):
			log.Warn("page already stored, skipping", "page", i)
		case err != nil:
			return w.fail(ctx, log, job.ID, fmt.Errorf("store page %d: %w", i, err))
		}
		handled = i

		progress = max(progress, min(99, i*100/total))
		patch := jobs.Patch{}.
			WithProgress(progress).
			WithCurrentPage(i).
			WithMessage(fmt.Sprintf("Processing page %d of %d", i, total))
		if err := w.update(ctx, job.ID, patch); err != nil {
			return w.fail(ctx, log, job.ID, err)
		}
	}

	if v, err := w.checkpoint(ctx, item); v != proceed || err != nil {
		return w.stop(ctx, log, job.ID, v, err)
	}
	done := statusPatch(jobs.StatusCompleted).
		WithProgress(100).
		WithTotalPages(handled).
		WithCurrentPage(handled).
		WithMessage(common.MessageCompleted).
		WithCompletedAt(time.Now())
	if err := w.update(ctx, job.ID, done); err != nil {
		return w.fail(ctx, log, job.ID, err)
	}
	log.Info("job completed", "pages", handled)
	return nil
}

func statusPatch(s jobs.Status) jobs.Patch {
	return jobs.Patch{}.WithStatus(s)
}

// processPage renders and recognizes page i. Failures become an error marker
// in the page content; end reports that the document has no page i.
func (w *Worker) processPage(ctx context.Context, log *slog.Logger, job jobs.Job, prompt string, i int) (content string, end bool) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("page processing panicked", "page", i, "panic", rec)
			content, end = pageError(i, fmt.Errorf("panic: %v", rec)), false
		}
	}()

	scratch, err := os.MkdirTemp(w.Cfg.Pipeline.ScratchDir, fmt.Sprintf("%s-page-%d-", job.ID, i))
	if err != nil {
		return pageError(i, fmt.Errorf("create scratch dir: %w", err)), false
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			log.Warn("remove scratch dir", "dir", scratch, "err", err)
		}
	}()

	img, err := w.Renderer.RenderPage(job.SourcePath, i, float64(w.Cfg.Pipeline.DPI))
	if err != nil {
		log.Warn("render page failed", "page", i, "err", err)
		return pageError(i, err), false
	}
	if img == nil {
		return "", true
	}

	imgPath := filepath.Join(scratch, fmt.Sprintf("page_%d.png", i))
	if err := render.WritePNG(imgPath, render.Flatten(img)); err != nil {
		return pageError(i, err), false
	}
	outDir := filepath.Join(scratch, "output")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return pageError(i, fmt.Errorf("create output dir: %w", err)), false
	}

	start := time.Now()
	text, err := w.Engine.Recognize(ctx, recognition.Request{ImagePath: imgPath, Prompt: prompt, OutputDir: outDir})
	if err != nil {
		log.Warn("recognition failed", "page", i, "err", err)
		return pageError(i, err), false
	}
	log.Debug("page recognized", "page", i, "duration", time.Since(start))
	if text == nil {
		return recognition.ReadArtifact(outDir), false
	}
	return *text, false
}

func pageError(i int, err error) string {
	return fmt.Sprintf("[Error processing page %d: %v]", i, err)
}

// checkpoint decides whether the run may continue. A fired cancellation token,
// the stored cancel flag or a cancelled status all count as cancellation.
func (w *Worker) checkpoint(ctx context.Context, item jobs.WorkItem) (verdict, error) {
	if ctx.Err() != nil {
		return stopInterrupted, nil
	}
	signalled := false
	select {
	case <-item.Cancelled:
		signalled = true
	default:
	}

	j, err := w.Store.GetJob(ctx, item.Job.ID)
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		return stopSilently, nil
	case err != nil:
		if ctx.Err() != nil {
			return stopInterrupted, nil
		}
		return proceed, fmt.Errorf("load job: %w", err)
	}
	if signalled || j.Cancelled || j.Status == jobs.StatusCancelled {
		return stopCancelled, nil
	}
	if j.Status.Terminal() {
		return stopSilently, nil
	}
	return proceed, nil
}

// stop ends the run according to a checkpoint verdict.
func (w *Worker) stop(ctx context.Context, log *slog.Logger, id string, v verdict, err error) error {
	if err != nil {
		return w.fail(ctx, log, id, err)
	}
	switch v {
	case stopInterrupted:
		return jobs.ErrInterrupted
	case stopSilently:
		log.Info("job deleted or finalized elsewhere, stopping")
		return nil
	case stopCancelled:
		patch := statusPatch(jobs.StatusCancelled).
			WithMessage(common.MessageCancelled).
			WithCompletedAt(time.Now())
		if err := w.update(ctx, id, patch); err != nil && !errors.Is(err, errStop) {
			return w.fail(ctx, log, id, err)
		}
		log.Info("job cancelled")
		return nil
	}
	return nil
}

// update writes patch. Deleted or already terminal jobs yield errStop.
func (w *Worker) update(ctx context.Context, id string, patch jobs.Patch) error {
	err := w.Store.UpdateJob(ctx, id, patch)
	if errors.Is(err, jobs.ErrNotFound) || errors.Is(err, jobs.ErrTerminal) {
		return errStop
	}
	return err
}

// fail marks the job as errored. errStop and shutdown are not failures.
func (w *Worker) fail(ctx context.Context, log *slog.Logger, id string, err error) error {
	if errors.Is(err, errStop) {
		log.Info("job deleted or finalized elsewhere, stopping")
		return nil
	}
	if ctx.Err() != nil {
		return jobs.ErrInterrupted
	}
	log.Error("job failed", "err", err)
	patch := statusPatch(jobs.StatusError).
		WithError(err.Error()).
		WithMessage(common.MessageFailed).
		WithCompletedAt(time.Now())
	if uerr := w.Store.UpdateJob(ctx, id, patch); uerr != nil && !errors.Is(uerr, jobs.ErrNotFound) && !errors.Is(uerr, jobs.ErrTerminal) {
		log.Error("record job failure", "err", uerr)
	}
	return err
}
