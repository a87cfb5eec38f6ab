package mongo

import (
	"time"

	"sitespeed/internal/core/job"
)

type jobDoc struct {
	ID          string     `bson:"_id"`
	WebsiteURL  string     `bson:"websiteUrl"`
	Region      string     `bson:"region"`
	Status      string     `bson:"status"`
	TestType    string     `bson:"testType"`
	CreatedAt   time.Time  `bson:"createdAt"`
	CompletedAt *time.Time `bson:"completedAt,omitempty"`
	ResultRef   string     `bson:"resultRef,omitempty"`
	Error       string     `bson:"error,omitempty"`
}

type resultDoc struct {
	ID                       string    `bson:"_id"`
	JobID                    string    `bson:"jobId"`
	Region                   string    `bson:"region"`
	LoadTime                 float64   `bson:"loadTime"`
	DOMContentLoaded         *float64  `bson:"domContentLoaded,omitempty"`
	FirstByteTime            *float64  `bson:"firstByteTime,omitempty"`
	FirstPaintTime           *float64  `bson:"firstPaintTime,omitempty"`
	FirstContentfulPaintTime *float64  `bson:"firstContentfulPaintTime,omitempty"`
	TimeToInteractive        *float64  `bson:"timeToInteractive,omitempty"`
	NumberOfRequests         *int      `bson:"numberOfRequests,omitempty"`
	PageSize                 *int64    `bson:"pageSize,omitempty"`
	TestedAt                 time.Time `bson:"testedAt"`
}

func toJobDoc(j *job.Job) jobDoc {
	return jobDoc{
		ID:          j.JobID,
		WebsiteURL:  j.WebsiteURL,
		Region:      string(j.Region),
		Status:      string(j.Status),
		TestType:    j.TestType,
		CreatedAt:   j.CreatedAt,
		CompletedAt: j.CompletedAt,
		ResultRef:   j.ResultRef,
		Error:       j.Error,
	}
}

func (d *jobDoc) toJob() *job.Job {
	j := &job.Job{
		JobID:      d.ID,
		WebsiteURL: d.WebsiteURL,
		Region:     job.Region(d.Region),
		Status:     job.Status(d.Status),
		TestType:   d.TestType,
		CreatedAt:  d.CreatedAt.UTC(),
		ResultRef:  d.ResultRef,
		Error:      d.Error,
	}
	if d.CompletedAt != nil {
		at := d.CompletedAt.UTC()
		j.CompletedAt = &at
	}
	return j
}

func toResultDoc(r *job.Result) resultDoc {
	return resultDoc{
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
}

func (d *resultDoc) toResult() *job.Result {
	return &job.Result{
		ID:                       d.ID,
		JobID:                    d.JobID,
		Region:                   job.Region(d.Region),
		LoadTime:                 d.LoadTime,
		DOMContentLoaded:         d.DOMContentLoaded,
		FirstByteTime:            d.FirstByteTime,
		FirstPaintTime:           d.FirstPaintTime,
		FirstContentfulPaintTime: d.FirstContentfulPaintTime,
		TimeToInteractive:        d.TimeToInteractive,
		NumberOfRequests:         d.NumberOfRequests,
		PageSize:                 d.PageSize,
		TestedAt:                 d.TestedAt.UTC(),
	}
}
