package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sitespeed/internal/core/job"

	"gorm.io/gorm"
)

type jobRow struct {
	JobID       string     `gorm:"column:job_id;type:text;primaryKey"`
	WebsiteURL  string     `gorm:"column:website_url;type:text;not null"`
	Region      string     `gorm:"type:text;not null"`
	Status      string     `gorm:"type:text;not null;index:idx_jobs_status_created,priority:1;index:idx_jobs_status_completed,priority:1"`
	TestType    string     `gorm:"column:test_type;type:text;not null"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null;index:idx_jobs_status_created,priority:2"`
	CompletedAt *time.Time `gorm:"column:completed_at;index:idx_jobs_status_completed,priority:2"`
	ResultRef   string     `gorm:"column:result_ref;type:text"`
	Error       string     `gorm:"type:text"`
}

func (jobRow) TableName() string { return "jobs" }

type resultRow struct {
	ID                       string    `gorm:"type:text;primaryKey"`
	JobID                    string    `gorm:"column:job_id;type:text;not null;uniqueIndex:idx_results_job"`
	Region                   string    `gorm:"type:text"`
	LoadTime                 float64   `gorm:"column:load_time;not null"`
	DOMContentLoaded         *float64  `gorm:"column:dom_content_loaded"`
	FirstByteTime            *float64  `gorm:"column:first_byte_time"`
	FirstPaintTime           *float64  `gorm:"column:first_paint_time"`
	FirstContentfulPaintTime *float64  `gorm:"column:first_contentful_paint_time"`
	TimeToInteractive        *float64  `gorm:"column:time_to_interactive"`
	NumberOfRequests         *int      `gorm:"column:number_of_requests"`
	PageSize                 *int64    `gorm:"column:page_size"`
	TestedAt                 time.Time `gorm:"column:tested_at;not null"`
}

func (resultRow) TableName() string { return "performance_test_results" }

var _ job.Store = (*Store)(nil)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store { return &Store{db: db} }

func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	row := jobRow{
		JobID:       j.JobID,
		WebsiteURL:  j.WebsiteURL,
		Region:      string(j.Region),
		Status:      string(j.Status),
		TestType:    j.TestType,
		CreatedAt:   j.CreatedAt,
		CompletedAt: j.CompletedAt,
		ResultRef:   j.ResultRef,
		Error:       j.Error,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("sqlstore: insert job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	var row jobRow
	err := s.db.WithContext(ctx).First(&row, "job_id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, job.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get job: %w", err)
	}
	return row.toJob(), nil
}

func (s *Store) GetJobWithResult(ctx context.Context, jobID string) (*job.Job, *job.Result, error) {
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if j.ResultRef == "" {
		return j, nil, nil
	}
	var row resultRow
	err = s.db.WithContext(ctx).First(&row, "id = ?", j.ResultRef).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return j, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("sqlstore: get result: %w", err)
	}
	return j, row.toResult(), nil
}

func (s *Store) CreateResult(ctx context.Context, r *job.Result) error {
	row := resultRow{
		ID:                       r.ID,
		JobID:                    r.JobID,
		Region:                   string(r.Region),
		LoadTime:                 r.LoadTime,
		DOMContentLoaded:         r.DOMContentLoaded,
		FirstByteTime:            r.FirstByteTime,
		FirstPaintTime:           r.FirstPaintTime,
		FirstContentfulPaintTime: r.FirstContentfulPaintTime,
		TimeToInteractive:        r.TimeToInteractive,
		NumberOfRequests:         r.NumberOfRequests,
		PageSize:                 r.PageSize,
		TestedAt:                 r.TestedAt,
	}
	err := s.db.WithContext(ctx).Create(&row).Error
	if isDuplicate(err) {
		return job.ErrResultExists
	}
	if err != nil {
		return fmt.Errorf("sqlstore: insert result: %w", err)
	}
	return nil
}

func (s *Store) FinalizeJob(ctx context.Context, jobID string, f job.Finalization) (bool, error) {
	updates := map[string]interface{}{
		"status":       string(f.Status),
		"completed_at": f.CompletedAt,
		"result_ref":   f.ResultRef,
		"error":        f.Error,
	}
	res := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("job_id = ? AND status = ?", jobID, string(job.StatusPending)).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("sqlstore: finalize job: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]job.Job, error) {
	q := s.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", string(job.StatusPending), cutoff).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []jobRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sqlstore: list stale jobs: %w", err)
	}
	out := make([]job.Job, 0, len(rows))
	for i := range rows {
		out = append(out, *rows[i].toJob())
	}
	return out, nil
}

// RecentCompleted joins on the result so completed jobs without one never
// take a slot, then loads the results through their own model.
func (s *Store) RecentCompleted(ctx context.Context, limit int) ([]job.Completion, error) {
	q := s.db.WithContext(ctx).
		Model(&jobRow{}).
		Select("jobs.*").
		Joins("JOIN performance_test_results ON performance_test_results.id = jobs.result_ref").
		Where("jobs.status = ?", string(job.StatusCompleted)).
		Order("jobs.completed_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var jobs []jobRow
	if err := q.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("sqlstore: recent completions: %w", err)
	}
	if len(jobs) == 0 {
		return []job.Completion{}, nil
	}

	refs := make([]string, 0, len(jobs))
	for i := range jobs {
		refs = append(refs, jobs[i].ResultRef)
	}
	var results []resultRow
	if err := s.db.WithContext(ctx).Where("id IN ?", refs).Find(&results).Error; err != nil {
		return nil, fmt.Errorf("sqlstore: recent results: %w", err)
	}
	byID := make(map[string]*resultRow, len(results))
	for i := range results {
		byID[results[i].ID] = &results[i]
	}

	out := make([]job.Completion, 0, len(jobs))
	for i := range jobs {
		r, ok := byID[jobs[i].ResultRef]
		if !ok {
			continue
		}
		out = append(out, job.Completion{Job: *jobs[i].toJob(), Result: *r.toResult()})
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key")
}

func (r *jobRow) toJob() *job.Job {
	j := &job.Job{
		JobID:      r.JobID,
		WebsiteURL: r.WebsiteURL,
		Region:     job.Region(r.Region),
		Status:     job.Status(r.Status),
		TestType:   r.TestType,
		CreatedAt:  r.CreatedAt.UTC(),
		ResultRef:  r.ResultRef,
		Error:      r.Error,
	}
	if r.CompletedAt != nil {
		at := r.CompletedAt.UTC()
		j.CompletedAt = &at
	}
	return j
}

func (r *resultRow) toResult() *job.Result {
	return &job.Result{
		ID:                       r.ID,
		JobID:                    r.JobID,
		Region:                   job.Region(r.Region),
		LoadTime:                 r.LoadTime,
		DOMContentLoaded:         r.DOMContentLoaded,
		FirstByteTime:            r.FirstByteTime,
		FirstPaintTime:           r.FirstPaintTime,
		FirstContentfulPaintTime: r.FirstContentfulPaintTime,
		TimeToInteractive:        r.TimeToInteractive,
		NumberOfRequests:         r.NumberOfRequests,
		PageSize:                 r.PageSize,
		TestedAt:                 r.TestedAt.UTC(),
	}
}
