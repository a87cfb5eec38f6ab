package job

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"sitespeed/internal/logger"

	"github.com/google/uuid"
)

// Failure reasons written to terminal jobs by the core itself.
const (
	ReasonDispatchFailed  = "dispatch failed"
	ReasonMissingLoadTime = "invalid result: missing loadTime"
	ReasonStale           = "stale: no result received"
	ReasonMeasurement     = "measurement failed"
)

type Options struct {
	// StatusTTL is the retention of a terminal cache entry, refreshed per poll.
	StatusTTL time.Duration
	// StatusMaxAge bounds a terminal entry's lifetime after finalization.
	StatusMaxAge time.Duration
	RecentLimit  int

	SweepPendingMaxAge time.Duration
	SweepBatchSize     int

	Now   func() time.Time
	NewID func() string
}

func (o *Options) defaults() {
	if o.StatusTTL <= 0 {
		o.StatusTTL = time.Hour
	}
	if o.StatusMaxAge < o.StatusTTL {
		o.StatusMaxAge = o.StatusTTL
	}
	if o.RecentLimit <= 0 {
		o.RecentLimit = 10
	}
	if o.SweepPendingMaxAge <= 0 {
		o.SweepPendingMaxAge = 30 * time.Minute
	}
	if o.SweepBatchSize <= 0 {
		o.SweepBatchSize = 100
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
}

// Service orchestrates the job lifecycle across the record store, the status
// cache and the broker.
type Service struct {
	store     Store
	cache     StatusCache
	publisher Publisher
	opts      Options
	log       *logger.Logger
}

func NewService(store Store, cache StatusCache, publisher Publisher, opts Options) *Service {
	opts.defaults()
	return &Service{
		store:     store,
		cache:     cache,
		publisher: publisher,
		opts:      opts,
		log:       logger.New("JobService"),
	}
}

// SetLogger replaces the service logger.
func (s *Service) SetLogger(l *logger.Logger) { s.log = l }

// Submit validates the request, records the pending job, seeds the cache and
// publishes to the region queue, in that order. Any failure after the durable
// write is compensated so the job never stays visible as pending.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	website, err := validateWebsiteURL(req.WebsiteURL)
	if err != nil {
		return nil, err
	}
	region, err := ParseRegion(req.Region)
	if err != nil {
		return nil, err
	}

	j := &Job{
		JobID:      s.opts.NewID(),
		WebsiteURL: website,
		Region:     region,
		Status:     StatusPending,
		TestType:   TestTypePerformance,
		CreatedAt:  s.opts.Now(),
	}
	log := s.log.With("job_id", j.JobID)

	if err := s.store.CreateJob(ctx, j); err != nil {
		log.LogError("record pending job", err)
		return nil, fmt.Errorf("%w: record job: %w", ErrDispatch, err)
	}

	if err := s.cache.Set(ctx, j.JobID, CacheEntry{Status: StatusPending}, 0); err != nil {
		log.LogError("seed status cache", err)
		s.compensate(ctx, j, false)
		return nil, fmt.Errorf("%w: seed cache: %w", ErrDispatch, err)
	}

	if err := s.publisher.Publish(ctx, region, Dispatch{JobID: j.JobID, WebsiteURL: j.WebsiteURL}); err != nil {
		log.LogError("publish to region queue", err)
		s.compensate(ctx, j, true)
		return nil, fmt.Errorf("%w: publish: %w", ErrDispatch, err)
	}

	log.LogInfof("job queued for region %s", region)
	return j, nil
}

// compensate finalizes a half-dispatched job as failed. It runs on a context
// detached from the request so a cancelled client does not skip it.
func (s *Service) compensate(ctx context.Context, j *Job, dropCache bool) {
	ctx = context.WithoutCancel(ctx)
	log := s.log.With("job_id", j.JobID)

	if dropCache {
		if err := s.cache.Delete(ctx, j.JobID); err != nil {
			log.LogError("compensation: delete cache entry", err)
		}
	}
	at := s.opts.Now()
	if _, err := s.store.FinalizeJob(ctx, j.JobID, Finalization{
		Status:      StatusFailed,
		CompletedAt: at,
		Error:       ReasonDispatchFailed,
	}); err != nil {
		log.LogError("compensation: finalize job", err)
		return
	}
	log.LogWarn("compensated failed dispatch")
}

func validateWebsiteURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", ErrInvalidURL
	}
	if u.Hostname() == "" {
		return "", ErrInvalidURL
	}
	return u.String(), nil
}

// IngestResult is the outcome of one worker callback.
type IngestResult struct {
	JobID  string `json:"jobId"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Ingest applies a worker callback. Callbacks for jobs that are already
// terminal return ErrAlreadyFinalized without writing anything.
func (s *Service) Ingest(ctx context.Context, cb Callback) (*IngestResult, error) {
	if strings.TrimSpace(cb.JobID) == "" {
		return nil, ErrMissingJobID
	}
	log := s.log.With("job_id", cb.JobID)

	known := true
	existing, err := s.store.GetJob(ctx, cb.JobID)
	switch {
	case errors.Is(err, ErrJobNotFound):
		known = false
		log.LogWarn("callback for unknown job")
	case err != nil:
		return nil, fmt.Errorf("load job: %w", err)
	case existing.Status.Terminal():
		return &IngestResult{JobID: cb.JobID, Status: existing.Status, Error: existing.Error}, ErrAlreadyFinalized
	}

	if cb.Failed() {
		reason := cb.Error
		if reason == "" {
			reason = ReasonMeasurement
		}
		return s.ingestFailure(ctx, cb.JobID, reason, known)
	}
	if cb.LoadTime == nil {
		log.LogWarn("success callback without loadTime")
		return s.ingestFailure(ctx, cb.JobID, ReasonMissingLoadTime, known)
	}

	region := Region(strings.ToLower(cb.Region))
	if known {
		region = existing.Region
	}
	now := s.opts.Now()
	r := &Result{
		ID:                       s.opts.NewID(),
		JobID:                    cb.JobID,
		Region:                   region,
		LoadTime:                 *cb.LoadTime,
		DOMContentLoaded:         cb.DOMContentLoaded,
		FirstByteTime:            cb.TTFB,
		FirstPaintTime:           cb.FirstPaintTime,
		FirstContentfulPaintTime: cb.FirstContentfulPaintTime,
		TimeToInteractive:        cb.TimeToInteractive,
		NumberOfRequests:         cb.NumberOfRequests,
		PageSize:                 cb.PageSize,
		TestedAt:                 now,
	}
	if err := s.store.CreateResult(ctx, r); err != nil {
		if errors.Is(err, ErrResultExists) {
			return &IngestResult{JobID: cb.JobID, Status: StatusCompleted}, ErrAlreadyFinalized
		}
		return nil, fmt.Errorf("create result: %w", err)
	}

	matched, err := s.store.FinalizeJob(ctx, cb.JobID, Finalization{
		Status:      StatusCompleted,
		CompletedAt: now,
		ResultRef:   r.ID,
	})
	if err != nil {
		// The Result exists without a referencing job update.
		log.With("result_id", r.ID).LogError("orphaned result: finalize job", err)
		return nil, fmt.Errorf("finalize job: %w", err)
	}
	if !matched && known {
		log.With("result_id", r.ID).LogWarn("orphaned result: job finalized concurrently")
		return s.finalized(ctx, cb.JobID), ErrAlreadyFinalized
	}

	if err := s.setTerminal(ctx, cb.JobID, StatusCompleted, "", now); err != nil {
		return nil, fmt.Errorf("update status cache: %w", err)
	}
	log.LogSuccessf("job completed in %s", FormatDuration(r.LoadTime))
	return &IngestResult{JobID: cb.JobID, Status: StatusCompleted}, nil
}

func (s *Service) ingestFailure(ctx context.Context, jobID, reason string, known bool) (*IngestResult, error) {
	now := s.opts.Now()
	matched, err := s.store.FinalizeJob(ctx, jobID, Finalization{
		Status:      StatusFailed,
		CompletedAt: now,
		Error:       reason,
	})
	if err != nil {
		return nil, fmt.Errorf("finalize job: %w", err)
	}
	if !matched && known {
		return s.finalized(ctx, jobID), ErrAlreadyFinalized
	}
	if err := s.setTerminal(ctx, jobID, StatusFailed, reason, now); err != nil {
		return nil, fmt.Errorf("update status cache: %w", err)
	}
	s.log.With("job_id", jobID).LogWarnf("job failed: %s", reason)
	return &IngestResult{JobID: jobID, Status: StatusFailed, Error: reason}, nil
}

// finalized reports the stored terminal state of a job that lost a race.
func (s *Service) finalized(ctx context.Context, jobID string) *IngestResult {
	out := &IngestResult{JobID: jobID}
	if j, err := s.store.GetJob(ctx, jobID); err == nil {
		out.Status, out.Error = j.Status, j.Error
	}
	return out
}

func (s *Service) setTerminal(ctx context.Context, jobID string, st Status, reason string, at time.Time) error {
	return s.cache.Set(ctx, jobID, CacheEntry{Status: st, Error: reason, FinalizedAt: &at}, s.opts.StatusTTL)
}

// Status answers a poll. The cache decides; the record store is read only
// for completed jobs to build the result payload.
func (s *Service) Status(ctx context.Context, jobID string) (*StatusView, error) {
	entry, ok, err := s.cache.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("read status cache: %w", err)
	}
	if !ok {
		return &StatusView{Status: StatusNotFound}, nil
	}

	switch entry.Status {
	case StatusPending:
		return &StatusView{Status: string(StatusPending)}, nil

	case StatusFailed:
		s.refresh(ctx, jobID, entry)
		return &StatusView{Status: string(StatusFailed), Error: entry.Error}, nil

	case StatusCompleted:
		j, r, err := s.store.GetJobWithResult(ctx, jobID)
		if errors.Is(err, ErrJobNotFound) {
			s.log.With("job_id", jobID).LogWarn("cache says completed but job record is missing")
			return &StatusView{Status: StatusNotFound}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("load job: %w", err)
		}
		if r == nil {
			s.log.With("job_id", jobID).LogWarn("completed job has no result record")
			return &StatusView{Status: StatusNotFound}, nil
		}
		s.refresh(ctx, jobID, entry)
		return &StatusView{Status: string(StatusCompleted), Result: newResultView(j, r)}, nil
	}

	s.log.With("job_id", jobID).LogWarnf("unexpected cached status %q", entry.Status)
	return &StatusView{Status: StatusNotFound}, nil
}

// refresh extends a terminal entry by StatusTTL, never past finalizedAt+StatusMaxAge.
func (s *Service) refresh(ctx context.Context, jobID string, entry CacheEntry) {
	ttl := s.opts.StatusTTL
	if entry.FinalizedAt != nil {
		if left := entry.FinalizedAt.Add(s.opts.StatusMaxAge).Sub(s.opts.Now()); left < ttl {
			ttl = left
		}
	}

	var err error
	if ttl <= 0 {
		err = s.cache.Delete(ctx, jobID)
	} else {
		err = s.cache.Expire(ctx, jobID, ttl)
	}
	if err != nil {
		s.log.With("job_id", jobID).LogError("refresh status expiry", err)
	}
}

// Recent lists the latest completed jobs with a display-formatted load time.
func (s *Service) Recent(ctx context.Context) ([]RecentTest, error) {
	rows, err := s.store.RecentCompleted(ctx, s.opts.RecentLimit)
	if err != nil {
		return nil, fmt.Errorf("recent completions: %w", err)
	}
	out := make([]RecentTest, 0, len(rows))
	for _, c := range rows {
		out = append(out, RecentTest{
			ID:         c.Job.JobID,
			WebsiteURL: c.Job.WebsiteURL,
			Region:     c.Job.Region,
			LoadTime:   FormatDuration(c.Result.LoadTime),
			TestedAt:   c.Result.TestedAt,
		})
	}
	return out, nil
}

// SweepStale fails one batch of pending jobs older than SweepPendingMaxAge.
// It returns how many jobs it finalized.
func (s *Service) SweepStale(ctx context.Context) (int, error) {
	now := s.opts.Now()
	stale, err := s.store.ListStalePending(ctx, now.Add(-s.opts.SweepPendingMaxAge), s.opts.SweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale jobs: %w", err)
	}

	swept := 0
	for _, j := range stale {
		matched, err := s.store.FinalizeJob(ctx, j.JobID, Finalization{
			Status:      StatusFailed,
			CompletedAt: now,
			Error:       ReasonStale,
		})
		if err != nil {
			s.log.With("job_id", j.JobID).LogError("sweep: finalize job", err)
			continue
		}
		if !matched {
			continue
		}
		if err := s.setTerminal(ctx, j.JobID, StatusFailed, ReasonStale, now); err != nil {
			s.log.With("job_id", j.JobID).LogError("sweep: update status cache", err)
		}
		swept++
	}
	if swept > 0 {
		s.log.LogWarnf("swept %d stale pending jobs", swept)
	}
	return swept, nil
}

// Ping checks the record store.
func (s *Service) Ping(ctx context.Context) error { return s.store.Ping(ctx) }
