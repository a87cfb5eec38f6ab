// Package memory holds in-process implementations of the job record store and
// the status cache. They back tests and single-process local runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"sitespeed/internal/core/job"
)

type Store struct {
	mu      sync.RWMutex
	jobs    map[string]job.Job
	results map[string]job.Result // keyed by job id
}

func NewStore() *Store {
	return &Store{
		jobs:    make(map[string]job.Job),
		results: make(map[string]job.Result),
	}
}

func (s *Store) CreateJob(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.JobID] = *j
	return nil
}

func (s *Store) GetJob(_ context.Context, jobID string) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, job.ErrJobNotFound
	}
	return &j, nil
}

func (s *Store) GetJobWithResult(_ context.Context, jobID string) (*job.Job, *job.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, nil, job.ErrJobNotFound
	}
	if j.ResultRef == "" {
		return &j, nil, nil
	}
	r, ok := s.results[jobID]
	if !ok || r.ID != j.ResultRef {
		return &j, nil, nil
	}
	return &j, &r, nil
}

func (s *Store) CreateResult(_ context.Context, r *job.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[r.JobID]; ok {
		return job.ErrResultExists
	}
	s.results[r.JobID] = *r
	return nil
}

func (s *Store) FinalizeJob(_ context.Context, jobID string, f job.Finalization) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.Status != job.StatusPending {
		return false, nil
	}
	at := f.CompletedAt
	j.Status = f.Status
	j.CompletedAt = &at
	j.ResultRef = f.ResultRef
	j.Error = f.Error
	s.jobs[jobID] = j
	return true, nil
}

func (s *Store) ListStalePending(_ context.Context, cutoff time.Time, limit int) ([]job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []job.Job
	for _, j := range s.jobs {
		if j.Status == job.StatusPending && j.CreatedAt.Before(cutoff) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) RecentCompleted(_ context.Context, limit int) ([]job.Completion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []job.Completion
	for id, j := range s.jobs {
		if j.Status != job.StatusCompleted || j.CompletedAt == nil {
			continue
		}
		r, ok := s.results[id]
		if !ok {
			continue
		}
		out = append(out, job.Completion{Job: j, Result: r})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Job.CompletedAt.After(*out[b].Job.CompletedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Ping(context.Context) error { return nil }

// Len reports the number of stored jobs and results.
func (s *Store) Len() (jobs, results int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs), len(s.results)
}

type entry struct {
	value     job.CacheEntry
	expiresAt time.Time // zero means no expiry
}

// Cache is a status cache with lazy expiry driven by an injectable clock.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

func NewCache(now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{entries: make(map[string]entry), now: now}
}

func (c *Cache) live(id string) (entry, bool) {
	e, ok := c.entries[id]
	if !ok {
		return entry{}, false
	}
	if !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		delete(c.entries, id)
		return entry{}, false
	}
	return e, true
}

func (c *Cache) Get(_ context.Context, jobID string) (job.CacheEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.live(jobID)
	return e.value, ok, nil
}

func (c *Cache) Set(_ context.Context, jobID string, v job.CacheEntry, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := entry{value: v}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.entries[jobID] = e
	return nil
}

func (c *Cache) Expire(_ context.Context, jobID string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.live(jobID)
	if !ok {
		return nil
	}
	if ttl <= 0 {
		delete(c.entries, jobID)
		return nil
	}
	e.expiresAt = c.now().Add(ttl)
	c.entries[jobID] = e
	return nil
}

func (c *Cache) Delete(_ context.Context, jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, jobID)
	return nil
}

// TTL returns the remaining lifetime of a key; zero with true means no expiry.
func (c *Cache) TTL(jobID string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.live(jobID)
	if !ok {
		return 0, false
	}
	if e.expiresAt.IsZero() {
		return 0, true
	}
	return e.expiresAt.Sub(c.now()), true
}
