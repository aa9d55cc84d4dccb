// Package status reads job state for polling and streaming clients.
package status

import (
	"context"
	"errors"
	"time"

	"github.com/jo-hoe/pdfscribe/internal/jobs"
)

// Snapshot is one observation of a job.
type Snapshot struct {
	Job      *jobs.Job
	NotFound bool
	Err      error
}

// Final reports whether no further snapshots will follow.
func (s Snapshot) Final() bool {
	return s.NotFound || (s.Job != nil && s.Job.Status.Terminal())
}

// Get fetches the current state of a job.
func Get(ctx context.Context, store jobs.Store, id string) Snapshot {
	job, err := store.GetJob(ctx, id)
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		return Snapshot{NotFound: true}
	case err != nil:
		return Snapshot{Err: err}
	}
	return Snapshot{Job: job}
}

// Watch emits a snapshot immediately and then every interval. The channel is
// closed after a terminal or not-found snapshot, or when ctx is done.
// Read errors are emitted and polling continues.
func Watch(ctx context.Context, store jobs.Store, id string, interval time.Duration) <-chan Snapshot {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	out := make(chan Snapshot)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			snap := Get(ctx, store, id)
			if ctx.Err() != nil {
				return
			}
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}
			if snap.Final() {
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
