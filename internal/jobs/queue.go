package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jo-hoe/pdfscribe/internal/common"
)

var (
	ErrQueueFull      = errors.New("queue is full")
	ErrQueueClosed    = errors.New("queue is closed")
	ErrNotStarted     = errors.New("queue not started")
	ErrAlreadyActive  = errors.New("job already queued or running")
	ErrInterrupted    = errors.New("job interrupted by shutdown")
	errAlreadyStarted = errors.New("queue already started")
)

// WorkItem contains a copy of the job data needed for processing.
type WorkItem struct {
	Job Job
	// ResumeAfter is the last page already persisted for this job; 0 for a fresh run.
	ResumeAfter int
	// Cancelled is closed when a client cancels or deletes the job. Set by the queue.
	Cancelled <-chan struct{}
	// Cleanup removes the uploaded source once the job reached a terminal status.
	Cleanup func() error
}

// Processor defines how to process a WorkItem.
// Returning ErrInterrupted leaves the job resumable and skips cleanup.
type Processor interface {
	Process(ctx context.Context, item WorkItem) error
}

type run struct {
	cancel chan struct{}
	once   sync.Once
}

func (r *run) signal() {
	r.once.Do(func() { close(r.cancel) })
}

// Queue is an in-memory bounded queue for WorkItems with a worker pool.
// At most one item per job id is pending or running at any time.
type Queue struct {
	log        *slog.Logger
	ch         chan WorkItem
	workers    int
	wg         sync.WaitGroup
	cancelOnce sync.Once
	cancel     context.CancelFunc
	started    bool
	closed     bool
	runs       map[string]*run
	mu         sync.Mutex
}

// NewQueue creates a new Queue with the given capacity and worker count.
func NewQueue(logger *slog.Logger, capacity int, workers int) *Queue {
	if capacity <= 0 {
		capacity = common.DefaultQueueCapacity
	}
	if workers <= 0 {
		workers = common.DefaultWorkerCount
	}
	return &Queue{
		log:     logger,
		ch:      make(chan WorkItem, capacity),
		workers: workers,
		runs:    make(map[string]*run),
	}
}

// Start launches worker goroutines that consume WorkItems and process them using the provided Processor.
func (q *Queue) Start(ctx context.Context, p Processor) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return errAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, p, i)
	}
	q.started = true
	return nil
}

func (q *Queue) worker(ctx context.Context, p Processor, idx int) {
	defer q.wg.Done()
	log := q.log.With("worker", idx)
	for {
		select {
		case <-ctx.Done():
			log.Debug("worker stopping due to context cancellation")
			return
		case item, ok := <-q.ch:
			if !ok {
				log.Debug("queue closed, worker exiting")
				return
			}
			jobLog := log.With("job_id", item.Job.ID)
			jobLog.Info("processing job", "status", item.Job.Status, "resume_after", item.ResumeAfter)
			start := time.Now()
			err := q.process(ctx, p, item)
			q.release(item.Job.ID)

			switch {
			case errors.Is(err, ErrInterrupted):
				jobLog.Info("job interrupted, left for resume", "duration", time.Since(start))
				continue
			case err != nil:
				jobLog.Error("job processing failed", "err", err, "duration", time.Since(start))
			default:
				jobLog.Info("job processed", "duration", time.Since(start))
			}
			if item.Cleanup != nil {
				if err := item.Cleanup(); err != nil {
					jobLog.Warn("cleanup failed", "err", err)
				}
			}
		}
	}
}

// process shields the pool from a panicking processor.
func (q *Queue) process(ctx context.Context, p Processor, item WorkItem) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("processor panic: %v", rec)
		}
	}()
	return p.Process(ctx, item)
}

func (q *Queue) release(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.runs, id)
}

// Enqueue adds a WorkItem to the queue (non-blocking if capacity allows).
func (q *Queue) Enqueue(item WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.started {
		return ErrNotStarted
	}
	if q.closed {
		return ErrQueueClosed
	}
	id := item.Job.ID
	if _, ok := q.runs[id]; ok {
		return fmt.Errorf("enqueue %s: %w", id, ErrAlreadyActive)
	}
	r := &run{cancel: make(chan struct{})}
	item.Cancelled = r.cancel
	select {
	case q.ch <- item:
		q.runs[id] = r
		return nil
	default:
		return ErrQueueFull
	}
}

// Signal fires the cancellation token of a pending or running job.
// It reports whether the job was known to the queue.
func (q *Queue) Signal(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.runs[id]
	if ok {
		r.signal()
	}
	return ok
}

// Active reports whether the job is pending or running.
func (q *Queue) Active(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.runs[id]
	return ok
}

// Shutdown gracefully stops accepting work and waits for workers to finish current items up to the provided deadline.
func (q *Queue) Shutdown(deadline time.Duration) {
	q.cancelOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		if q.cancel != nil {
			q.cancel()
		}
		// close channel to unblock workers if they are waiting on receive
		close(q.ch)
		q.mu.Unlock()

		done := make(chan struct{})
		go func() {
			defer close(done)
			q.wg.Wait()
		}()

		if deadline <= 0 {
			<-done
			return
		}

		timer := time.NewTimer(deadline)
		defer timer.Stop()
		select {
		case <-done:
			return
		case <-timer.C:
			q.log.Warn("queue shutdown deadline reached; workers may still be running")
		}
	})
}
