package processor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jo-hoe/pdfscribe/internal/common"
	"github.com/jo-hoe/pdfscribe/internal/config"
	"github.com/jo-hoe/pdfscribe/internal/jobs"
	"github.com/jo-hoe/pdfscribe/internal/jobs/jobstest"
	"github.com/jo-hoe/pdfscribe/internal/recognition"
)

type fakeRenderer struct {
	pages    int
	countErr error
	failPage int
	panicAt  int

	mu       sync.Mutex
	rendered []int
}

func (r *fakeRenderer) PageCount(path string) (int, error) {
	if r.countErr != nil {
		return 0, r.countErr
	}
	return r.pages, nil
}

func (r *fakeRenderer) RenderPage(path string, page int, dpi float64) (image.Image, error) {
	r.mu.Lock()
	r.rendered = append(r.rendered, page)
	r.mu.Unlock()
	if page == r.panicAt {
		panic("corrupt page tree")
	}
	if page == r.failPage {
		return nil, errors.New("cannot render")
	}
	if page > r.pages {
		return nil, nil
	}
	return image.NewNRGBA(image.Rect(0, 0, 4, 4)), nil
}

func (r *fakeRenderer) renderedPages() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.rendered...)
}

type fakeEngine struct {
	loadErr error
	loads   int32
	// artifact, when set, is written to OutputDir/to_markdown/result.mmd and nil text is returned.
	artifact   string
	noText     bool
	failPage   string
	lastPrompt atomic.Value
}

func (e *fakeEngine) Load(ctx context.Context) error {
	atomic.AddInt32(&e.loads, 1)
	return e.loadErr
}

func (e *fakeEngine) Recognize(ctx context.Context, req recognition.Request) (*string, error) {
	e.lastPrompt.Store(req.Prompt)
	if _, err := os.Stat(req.ImagePath); err != nil {
		return nil, fmt.Errorf("image missing: %w", err)
	}
	base := filepath.Base(req.ImagePath)
	if e.failPage != "" && base == e.failPage {
		return nil, errors.New("inference failed")
	}
	if e.artifact != "" {
		dir := filepath.Join(req.OutputDir, "to_markdown")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		return nil, os.WriteFile(filepath.Join(dir, "result.mmd"), []byte(e.artifact), 0o644)
	}
	if e.noText {
		return nil, nil
	}
	text := "text of " + strings.TrimSuffix(base, ".png")
	return &text, nil
}

type harness struct {
	store    *jobstest.MemStore
	renderer *fakeRenderer
	engine   *fakeEngine
	worker   *Worker
	scratch  string
	cancel   chan struct{}
}

func newHarness(t *testing.T, pages int) *harness {
	t.Helper()
	h := &harness{
		store:    jobstest.NewMemStore(),
		renderer: &fakeRenderer{pages: pages},
		engine:   &fakeEngine{},
		scratch:  t.TempDir(),
		cancel:   make(chan struct{}),
	}
	cfg := &config.Config{Pipeline: config.PipelineConfig{DPI: 72, DefaultPrompt: "configured prompt", ScratchDir: h.scratch}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.worker = New(logger, cfg, h.store, h.renderer, recognition.NewRuntime(logger, h.engine, 1))
	return h
}

func (h *harness) createJob(t *testing.T, id string) jobs.Job {
	t.Helper()
	job := jobs.Job{ID: id, Status: jobs.StatusQueued, SourcePath: "/uploads/" + id + ".pdf", UsedPrompt: "job prompt"}
	if err := h.store.CreateJob(context.Background(), &job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

func (h *harness) item(job jobs.Job) jobs.WorkItem {
	return jobs.WorkItem{Job: job, Cancelled: h.cancel}
}

func (h *harness) mustJob(t *testing.T, id string) *jobs.Job {
	t.Helper()
	j, err := h.store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	return j
}

func (h *harness) pages(t *testing.T, id string) []jobs.PageResult {
	t.Helper()
	p, err := h.store.ListPages(context.Background(), id)
	if err != nil {
		t.Fatalf("ListPages: %v", err)
	}
	return p
}

func assertScratchEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read scratch: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("scratch dir not cleaned: %d entries", len(entries))
	}
}

func TestWorker_CompletesAllPages(t *testing.T) {
	h := newHarness(t, 3)
	job := h.createJob(t, "j1")

	if err := h.worker.Process(context.Background(), h.item(job)); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got := h.mustJob(t, "j1")
	if got.Status != jobs.StatusCompleted || got.Progress != 100 || got.TotalPages != 3 || got.CurrentPage != 3 {
		t.Fatalf("unexpected final job: %+v", got)
	}
	if got.Message != common.MessageCompleted || got.Error != nil || got.StartedAt == nil || got.CompletedAt == nil {
		t.Fatalf("unexpected final fields: %+v", got)
	}
	pages := h.pages(t, "j1")
	if len(pages) != 3 {
		t.Fatalf("expected 3 pages, got %d", len(pages))
	}
	for i, p := range pages {
		if p.PageNumber != i+1 || p.Content != fmt.Sprintf("text of page_%d", i+1) {
			t.Fatalf("page %d mismatch: %+v", i+1, p)
		}
	}
	if prompt, _ := h.engine.lastPrompt.Load().(string); prompt != "job prompt" {
		t.Fatalf("engine saw prompt %q", prompt)
	}
	assertScratchEmpty(t, h.scratch)
}

func TestWorker_ProgressIsMonotonic(t *testing.T) {
	h := newHarness(t, 7)
	job := h.createJob(t, "mono")
	if err := h.worker.Process(context.Background(), h.item(job)); err != nil {
		t.Fatalf("Process: %v", err)
	}

	history := h.store.History["mono"]
	if len(history) == 0 {
		t.Fatalf("no updates recorded")
	}
	prev := 0
	for i, snap := range history {
		if snap.Progress < prev {
			t.Fatalf("progress decreased at update %d: %d -> %d", i, prev, snap.Progress)
		}
		if snap.Progress == 100 && snap.Status != jobs.StatusCompleted {
			t.Fatalf("progress 100 before completion: %+v", snap)
		}
		prev = snap.Progress
	}
	if last := history[len(history)-1]; last.Progress != 100 {
		t.Fatalf("final progress = %d", last.Progress)
	}
}

func TestWorker_RenderFailureIsolatedToPage(t *testing.T) {
	h := newHarness(t, 3)
	h.renderer.failPage = 2
	job := h.createJob(t, "j2")

	if err := h.worker.Process(context.Background(), h.item(job)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	pages := h.pages(t, "j2")
	if len(pages) != 3 {
		t.Fatalf("expected 3 pages, got %d", len(pages))
	}
	if !strings.HasPrefix(pages[1].Content, "[Error processing page 2:") || !strings.Contains(pages[1].Content, "cannot render") {
		t.Fatalf("page 2 not marked as error: %q", pages[1].Content)
	}
	if pages[0].Content != "text of page_1" || pages[2].Content != "text of page_3" {
		t.Fatalf("neighbouring pages affected: %+v", pages)
	}
	if got := h.mustJob(t, "j2"); got.Status != jobs.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestWorker_RecognitionErrorAndPanicBecomeMarkers(t *testing.T) {
	h := newHarness(t, 3)
	h.engine.failPage = "page_1.png"
	h.renderer.panicAt = 3
	job := h.createJob(t, "j3")

	if err := h.worker.Process(context.Background(), h.item(job)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	pages := h.pages(t, "j3")
	if len(pages) != 3 {
		t.Fatalf("expected 3 pages, got %d", len(pages))
	}
	if !strings.Contains(pages[0].Content, "inference failed") {
		t.Fatalf("page 1 = %q", pages[0].Content)
	}
	if !strings.HasPrefix(pages[2].Content, "[Error processing page 3:") {
		t.Fatalf("page 3 = %q", pages[2].Content)
	}
	if got := h.mustJob(t, "j3"); got.Status != jobs.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	assertScratchEmpty(t, h.scratch)
}

func TestWorker_CancelAfterPage(t *testing.T) {
	for _, viaToken := range []bool{false, true} {
		t.Run(fmt.Sprintf("token=%v", viaToken), func(t *testing.T) {
			h := newHarness(t, 5)
			job := h.createJob(t, "c1")
			h.store.OnAppend = func(p jobs.PageResult) {
				if p.PageNumber != 2 {
					return
				}
				if viaToken {
					close(h.cancel)
					return
				}
				_, _ = h.store.MarkCancelled(context.Background(), "c1")
			}

			if err := h.worker.Process(context.Background(), h.item(job)); err != nil {
				t.Fatalf("Process: %v", err)
			}
			got := h.mustJob(t, "c1")
			if got.Status != jobs.StatusCancelled || got.Message != common.MessageCancelled {
				t.Fatalf("unexpected job: %+v", got)
			}
			if got.Progress >= 100 {
				t.Fatalf("cancelled job reached 100%%")
			}
			pages := h.pages(t, "c1")
			if len(pages) != 2 {
				t.Fatalf("expected pages 1..2, got %d", len(pages))
			}
			if r := h.renderer.renderedPages(); len(r) != 2 {
				t.Fatalf("rendered after cancel: %v", r)
			}
		})
	}
}

func TestWorker_ImmediateCancel(t *testing.T) {
	h := newHarness(t, 3)
	job := h.createJob(t, "c2")
	if _, err := h.store.MarkCancelled(context.Background(), "c2"); err != nil {
		t.Fatalf("MarkCancelled: %v", err)
	}

	if err := h.worker.Process(context.Background(), h.item(job)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := h.mustJob(t, "c2"); got.Status != jobs.StatusCancelled {
		t.Fatalf("status = %s", got.Status)
	}
	if n := len(h.pages(t, "c2")); n != 0 {
		t.Fatalf("expected no pages, got %d", n)
	}
	if atomic.LoadInt32(&h.engine.loads) != 0 {
		t.Fatalf("engine loaded for a cancelled job")
	}
}

func TestWorker_DeleteMidRun(t *testing.T) {
	h := newHarness(t, 4)
	job := h.createJob(t, "d1")
	h.store.OnAppend = func(p jobs.PageResult) {
		if p.PageNumber == 1 {
			_ = h.store.DeleteJob(context.Background(), "d1")
		}
	}

	if err := h.worker.Process(context.Background(), h.item(job)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if _, err := h.store.GetJob(context.Background(), "d1"); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("job resurrected: %v", err)
	}
	if n := len(h.pages(t, "d1")); n != 0 {
		t.Fatalf("pages written after delete: %d", n)
	}
	if r := h.renderer.renderedPages(); len(r) != 1 {
		t.Fatalf("kept rendering after delete: %v", r)
	}
}

func TestWorker_PageCountFallback(t *testing.T) {
	h := newHarness(t, 1)
	h.renderer.countErr = errors.New("broken xref")
	job := h.createJob(t, "f1")

	if err := h.worker.Process(context.Background(), h.item(job)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	got := h.mustJob(t, "f1")
	if got.Status != jobs.StatusCompleted || got.TotalPages != 1 {
		t.Fatalf("unexpected job: %+v", got)
	}
	if n := len(h.pages(t, "f1")); n != 1 {
		t.Fatalf("expected 1 page, got %d", n)
	}
}

func TestWorker_EndOfDocumentBeforeCount(t *testing.T) {
	h := newHarness(t, 2)
	job := h.createJob(t, "f2")
	// page count claims more pages than the renderer can produce
	h.worker.Renderer = &overCounting{fakeRenderer: h.renderer, count: 5}

	if err := h.worker.Process(context.Background(), h.item(job)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	got := h.mustJob(t, "f2")
	if got.Status != jobs.StatusCompleted || got.TotalPages != 2 || got.Progress != 100 {
		t.Fatalf("unexpected job: %+v", got)
	}
	if n := len(h.pages(t, "f2")); n != 2 {
		t.Fatalf("expected 2 pages, got %d", n)
	}
}

type overCounting struct {
	*fakeRenderer
	count int
}

func (o *overCounting) PageCount(string) (int, error) { return o.count, nil }

func TestWorker_ArtifactFallback(t *testing.T) {
	h := newHarness(t, 1)
	h.engine.artifact = "from file"
	job := h.createJob(t, "a1")
	if err := h.worker.Process(context.Background(), h.item(job)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if p := h.pages(t, "a1"); len(p) != 1 || p[0].Content != "from file" {
		t.Fatalf("unexpected pages: %+v", p)
	}

	h2 := newHarness(t, 1)
	h2.engine.noText = true
	job = h2.createJob(t, "a2")
	if err := h2.worker.Process(context.Background(), h2.item(job)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if p := h2.pages(t, "a2"); len(p) != 1 || p[0].Content != recognition.ArtifactMissing {
		t.Fatalf("unexpected pages: %+v", p)
	}
}

func TestWorker_ModelLoadFailure(t *testing.T) {
	h := newHarness(t, 3)
	h.engine.loadErr = errors.New("out of memory")
	job := h.createJob(t, "m1")

	if err := h.worker.Process(context.Background(), h.item(job)); err == nil {
		t.Fatalf("expected error from Process")
	}
	got := h.mustJob(t, "m1")
	if got.Status != jobs.StatusError || got.Message != common.MessageFailed {
		t.Fatalf("unexpected job: %+v", got)
	}
	if got.Error == nil || !strings.Contains(*got.Error, "out of memory") {
		t.Fatalf("error not recorded: %v", got.Error)
	}
	if n := len(h.pages(t, "m1")); n != 0 {
		t.Fatalf("pages written: %d", n)
	}
}

func TestWorker_UsesConfiguredPromptWhenJobHasNone(t *testing.T) {
	h := newHarness(t, 1)
	job := jobs.Job{ID: "p1", Status: jobs.StatusQueued}
	if err := h.store.CreateJob(context.Background(), &job); err != nil {
		t.Fatal(err)
	}
	if err := h.worker.Process(context.Background(), h.item(job)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if prompt, _ := h.engine.lastPrompt.Load().(string); prompt != "configured prompt" {
		t.Fatalf("engine saw prompt %q", prompt)
	}
}

func TestWorker_ResumesAfterLastPage(t *testing.T) {
	h := newHarness(t, 4)
	job := h.createJob(t, "r1")
	ctx := context.Background()
	if err := h.store.UpdateJob(ctx, "r1", jobs.Patch{}.WithStatus(jobs.StatusProcessing).WithProgress(50).WithTotalPages(4)); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 2; i++ {
		if err := h.store.AppendPage(ctx, jobs.PageResult{JobID: "r1", PageNumber: i, Content: "earlier"}); err != nil {
			t.Fatal(err)
		}
	}
	job = *h.mustJob(t, "r1")

	item := h.item(job)
	item.ResumeAfter = 2
	if err := h.worker.Process(ctx, item); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if r := h.renderer.renderedPages(); len(r) != 2 || r[0] != 3 || r[1] != 4 {
		t.Fatalf("rendered %v, want [3 4]", r)
	}
	pages := h.pages(t, "r1")
	if len(pages) != 4 || pages[0].Content != "earlier" || pages[3].Content != "text of page_4" {
		t.Fatalf("unexpected pages: %+v", pages)
	}
	for _, snap := range h.store.History["r1"][1:] {
		if snap.Progress < 50 {
			t.Fatalf("progress went backwards on resume: %d", snap.Progress)
		}
	}
}

func TestWorker_ShutdownLeavesJobResumable(t *testing.T) {
	h := newHarness(t, 3)
	job := h.createJob(t, "s1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.store.OnAppend = func(p jobs.PageResult) {
		if p.PageNumber == 1 {
			cancel()
		}
	}

	err := h.worker.Process(ctx, h.item(job))
	if !errors.Is(err, jobs.ErrInterrupted) {
		t.Fatalf("Process err = %v, want ErrInterrupted", err)
	}
	got := h.mustJob(t, "s1")
	if got.Status != jobs.StatusProcessing {
		t.Fatalf("status = %s, want processing", got.Status)
	}
	if n := len(h.pages(t, "s1")); n != 1 {
		t.Fatalf("expected 1 stored page, got %d", n)
	}
}
