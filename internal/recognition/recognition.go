// Package recognition wraps the document recognition model behind a small
// interface and manages its lifecycle.
package recognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// ArtifactMissing is stored as page content when the engine produced neither
// text nor an output file.
const ArtifactMissing = "[Error: Could not find result.mmd in output]"

var ErrNotReady = errors.New("recognition engine not loaded")

// Request describes one page to recognize.
type Request struct {
	ImagePath string
	Prompt    string
	// OutputDir is an empty per-page directory the engine may write artifacts into.
	OutputDir string
}

// Engine is the opaque recognition model.
type Engine interface {
	// Load prepares the model. It is called once before the first Recognize.
	Load(ctx context.Context) error
	// Recognize returns the extracted text, or nil when the result was written to
	// req.OutputDir instead.
	Recognize(ctx context.Context, req Request) (*string, error)
}

// State of the engine lifecycle.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateLoading       State = "loading"
	StateReady         State = "ready"
	StateFailed        State = "failed"
)

// Runtime loads an Engine lazily and limits concurrent inference.
type Runtime struct {
	log    *slog.Logger
	engine Engine
	sem    *semaphore.Weighted
	group  singleflight.Group

	mu      sync.RWMutex
	state   State
	loadErr error
}

func NewRuntime(log *slog.Logger, engine Engine, maxConcurrent int) *Runtime {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Runtime{
		log:    log,
		engine: engine,
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
		state:  StateUninitialized,
	}
}

// State returns the current lifecycle state and the last load error, if any.
func (r *Runtime) State() (State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state, r.loadErr
}

// Ensure loads the engine if needed. Concurrent callers share a single load.
// A failed load is retried by the next call.
func (r *Runtime) Ensure(ctx context.Context) error {
	if st, _ := r.State(); st == StateReady {
		return nil
	}
	ch := r.group.DoChan("load", func() (any, error) {
		if st, _ := r.State(); st == StateReady {
			return nil, nil
		}
		r.setState(StateLoading, nil)
		start := time.Now()
		r.log.Info("loading recognition engine")
		// the load is shared, so one caller giving up must not abort it
		if err := r.engine.Load(context.WithoutCancel(ctx)); err != nil {
			r.setState(StateFailed, err)
			r.log.Error("recognition engine load failed", "err", err)
			return nil, fmt.Errorf("load engine: %w", err)
		}
		r.setState(StateReady, nil)
		r.log.Info("recognition engine ready", "duration", time.Since(start))
		return nil, nil
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runtime) setState(s State, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
	r.loadErr = err
}

// Recognize runs one inference. Calls beyond the concurrency limit wait their turn.
func (r *Runtime) Recognize(ctx context.Context, req Request) (*string, error) {
	if st, _ := r.State(); st != StateReady {
		return nil, ErrNotReady
	}
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)
	return r.engine.Recognize(ctx, req)
}

// ReadArtifact looks for the engine's output file in dir: result.mmd, then
// to_markdown/result.mmd, then the first .md or .mmd file by name.
// It returns ArtifactMissing when nothing is found.
func ReadArtifact(dir string) string {
	candidates := []string{
		filepath.Join(dir, "result.mmd"),
		filepath.Join(dir, "to_markdown", "result.mmd"),
	}
	for _, p := range candidates {
		if b, err := os.ReadFile(p); err == nil {
			return string(b)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return ArtifactMissing
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".md" || ext == ".mmd" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, n := range names {
		if b, err := os.ReadFile(filepath.Join(dir, n)); err == nil {
			return string(b)
		}
	}
	return ArtifactMissing
}
