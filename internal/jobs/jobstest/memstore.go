// Package jobstest provides an in-memory jobs.Store for tests.
package jobstest

import (
	"context"
	"sync"
	"time"

	"github.com/jo-hoe/pdfscribe/internal/common"
	"github.com/jo-hoe/pdfscribe/internal/jobs"
)

type MemStore struct {
	mu      sync.Mutex
	jobs    map[string]*jobs.Job
	pages   map[string][]jobs.PageResult
	prompts []jobs.Prompt
	order   []string

	// History records every job snapshot after a successful UpdateJob.
	History map[string][]jobs.Job
	// UpdateErr, when set, is returned by UpdateJob for patches carrying this status.
	UpdateErr       error
	UpdateErrStatus jobs.Status
	// OnAppend runs after a page is stored, outside the lock.
	OnAppend func(page jobs.PageResult)
}

var _ jobs.Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		jobs:    make(map[string]*jobs.Job),
		pages:   make(map[string][]jobs.PageResult),
		History: make(map[string][]jobs.Job),
		prompts: []jobs.Prompt{{
			ID: 1, Name: "Default OCR", Content: common.DefaultPrompt, IsDefault: true, CreatedAt: time.Now().UTC(),
		}},
	}
}

func (s *MemStore) CreateJob(_ context.Context, job *jobs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return jobs.ErrDuplicate
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = jobs.StatusQueued
	}
	c := *job
	s.jobs[job.ID] = &c
	s.order = append(s.order, job.ID)
	return nil
}

func (s *MemStore) UpdateJob(_ context.Context, id string, patch jobs.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return jobs.ErrNotFound
	}
	if !j.Status.Active() {
		return jobs.ErrTerminal
	}
	if s.UpdateErr != nil {
		probe := *j
		patch.Apply(&probe)
		if probe.Status == s.UpdateErrStatus && probe.Status != j.Status {
			return s.UpdateErr
		}
	}
	patch.Apply(j)
	s.History[id] = append(s.History[id], *j)
	return nil
}

func (s *MemStore) MarkCancelled(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, jobs.ErrNotFound
	}
	if !j.Status.Active() {
		return false, nil
	}
	j.Cancelled = true
	return true, nil
}

func (s *MemStore) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return jobs.ErrNotFound
	}
	delete(s.jobs, id)
	delete(s.pages, id)
	return nil
}

func (s *MemStore) GetJob(_ context.Context, id string) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	c := *j
	return &c, nil
}

func (s *MemStore) ListJobs(_ context.Context) ([]jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]jobs.Job, 0, len(s.jobs))
	for i := len(s.order) - 1; i >= 0; i-- {
		if j, ok := s.jobs[s.order[i]]; ok {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (s *MemStore) ListActiveJobs(ctx context.Context) ([]jobs.Job, error) {
	all, _ := s.ListJobs(ctx)
	out := make([]jobs.Job, 0)
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Status.Active() {
			out = append(out, all[i])
		}
	}
	return out, nil
}

func (s *MemStore) AppendPage(_ context.Context, page jobs.PageResult) error {
	s.mu.Lock()
	if _, ok := s.jobs[page.JobID]; !ok {
		s.mu.Unlock()
		return jobs.ErrNotFound
	}
	existing := s.pages[page.JobID]
	if len(existing) > 0 && existing[len(existing)-1].PageNumber >= page.PageNumber {
		s.mu.Unlock()
		return jobs.ErrPageOrder
	}
	if page.CreatedAt.IsZero() {
		page.CreatedAt = time.Now().UTC()
	}
	s.pages[page.JobID] = append(existing, page)
	hook := s.OnAppend
	s.mu.Unlock()
	if hook != nil {
		hook(page)
	}
	return nil
}

func (s *MemStore) ListPages(_ context.Context, jobID string) ([]jobs.PageResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]jobs.PageResult, len(s.pages[jobID]))
	copy(out, s.pages[jobID])
	return out, nil
}

func (s *MemStore) LastPage(_ context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pages[jobID]
	if len(p) == 0 {
		return 0, nil
	}
	return p[len(p)-1].PageNumber, nil
}

func (s *MemStore) ListPrompts(_ context.Context) ([]jobs.Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]jobs.Prompt, len(s.prompts))
	copy(out, s.prompts)
	return out, nil
}

func (s *MemStore) GetPrompt(_ context.Context, id int64) (*jobs.Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.prompts {
		if p.ID == id {
			c := p
			return &c, nil
		}
	}
	return nil, jobs.ErrPromptNotFound
}

func (s *MemStore) DefaultPrompt(_ context.Context) (*jobs.Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.prompts {
		if p.IsDefault {
			c := p
			return &c, nil
		}
	}
	return nil, jobs.ErrPromptNotFound
}

func (s *MemStore) CreatePrompt(_ context.Context, p *jobs.Prompt) error {
	if err := jobs.ValidatePrompt(p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ID = int64(len(s.prompts) + 1)
	p.CreatedAt = time.Now().UTC()
	s.prompts = append(s.prompts, *p)
	return nil
}

func (s *MemStore) UpdatePrompt(_ context.Context, p *jobs.Prompt) error {
	if err := jobs.ValidatePrompt(p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.prompts {
		if s.prompts[i].ID == p.ID {
			s.prompts[i].Name = p.Name
			s.prompts[i].Content = p.Content
			s.prompts[i].Description = p.Description
			return nil
		}
	}
	return jobs.ErrPromptNotFound
}

func (s *MemStore) Close() error { return nil }
