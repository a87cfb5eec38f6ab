package job

import (
	"context"
	"time"
)

// Store is the durable Job / Result record store.
type Store interface {
	CreateJob(ctx context.Context, j *Job) error
	// GetJob returns ErrJobNotFound when no job has the id.
	GetJob(ctx context.Context, jobID string) (*Job, error)
	// GetJobWithResult returns the job and, when ResultRef is set, its result.
	GetJobWithResult(ctx context.Context, jobID string) (*Job, *Result, error)
	// CreateResult returns ErrResultExists when the job already has one.
	CreateResult(ctx context.Context, r *Result) error
	// FinalizeJob applies f only while the job is still pending. It reports
	// whether a pending job matched; no match is not an error.
	FinalizeJob(ctx context.Context, jobID string, f Finalization) (bool, error)
	// ListStalePending returns up to limit pending jobs created before cutoff.
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]Job, error)
	// RecentCompleted returns the newest completed jobs first.
	RecentCompleted(ctx context.Context, limit int) ([]Completion, error)
	Ping(ctx context.Context) error
}

// StatusCache is the ephemeral per-job status hint.
type StatusCache interface {
	// Get reports false when the key is absent or expired.
	Get(ctx context.Context, jobID string) (CacheEntry, bool, error)
	// Set writes the entry; ttl <= 0 means no expiry.
	Set(ctx context.Context, jobID string, e CacheEntry, ttl time.Duration) error
	Expire(ctx context.Context, jobID string, ttl time.Duration) error
	Delete(ctx context.Context, jobID string) error
}

// Publisher routes a dispatch payload to the queue of its region.
type Publisher interface {
	Publish(ctx context.Context, region Region, d Dispatch) error
}
