package job

import "time"

// Status of a job. pending is the only non-terminal state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

func (s Status) Valid() bool { return s == StatusPending || s.Terminal() }

// TestTypePerformance is the only measurement kind this service runs.
const TestTypePerformance = "performanceTest"

// Job is the durable record of a submission.
type Job struct {
	JobID       string     `json:"jobId"`
	WebsiteURL  string     `json:"websiteUrl"`
	Region      Region     `json:"region"`
	Status      Status     `json:"status"`
	TestType    string     `json:"testType"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	ResultRef   string     `json:"resultRef,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Result holds the metrics of one successful measurement. Only LoadTime is
// required; every other metric is optional.
type Result struct {
	ID                       string    `json:"id"`
	JobID                    string    `json:"jobId"`
	Region                   Region    `json:"region"`
	LoadTime                 float64   `json:"loadTime"`
	DOMContentLoaded         *float64  `json:"domContentLoaded,omitempty"`
	FirstByteTime            *float64  `json:"firstByteTime,omitempty"`
	FirstPaintTime           *float64  `json:"firstPaintTime,omitempty"`
	FirstContentfulPaintTime *float64  `json:"firstContentfulPaintTime,omitempty"`
	TimeToInteractive        *float64  `json:"timeToInteractive,omitempty"`
	NumberOfRequests         *int      `json:"numberOfRequests,omitempty"`
	PageSize                 *int64    `json:"pageSize,omitempty"`
	TestedAt                 time.Time `json:"testedAt"`
}

// Finalization is the single pending -> terminal transition applied to a Job.
type Finalization struct {
	Status      Status
	CompletedAt time.Time
	ResultRef   string
	Error       string
}

// Completion pairs a completed Job with its Result.
type Completion struct {
	Job    Job
	Result Result
}

// CacheEntry is what the status cache holds per job id.
type CacheEntry struct {
	Status      Status     `json:"status"`
	Error       string     `json:"error,omitempty"`
	FinalizedAt *time.Time `json:"finalizedAt,omitempty"`
}

// Dispatch is the broker payload for one job.
type Dispatch struct {
	JobID      string `json:"jobId"`
	WebsiteURL string `json:"websiteUrl"`
}

// SubmitRequest is the client submission body.
type SubmitRequest struct {
	WebsiteURL string `json:"websiteUrl"`
	Region     string `json:"region"`
}

// Callback is the worker -> core result payload. Status is either empty
// (success) or "failed".
type Callback struct {
	JobID                    string   `json:"jobId"`
	Region                   string   `json:"region"`
	Status                   string   `json:"status,omitempty"`
	Error                    string   `json:"error,omitempty"`
	LoadTime                 *float64 `json:"loadTime,omitempty"`
	DOMContentLoaded         *float64 `json:"domContentLoaded,omitempty"`
	TTFB                     *float64 `json:"ttfb,omitempty"`
	FirstPaintTime           *float64 `json:"firstPaintTime,omitempty"`
	FirstContentfulPaintTime *float64 `json:"firstContentfulPaintTime,omitempty"`
	TimeToInteractive        *float64 `json:"timeToInteractive,omitempty"`
	NumberOfRequests         *int     `json:"numberOfRequests,omitempty"`
	PageSize                 *int64   `json:"pageSize,omitempty"`
}

func (c Callback) Failed() bool { return c.Status == string(StatusFailed) }

// StatusView is the polling response.
type StatusView struct {
	Status string      `json:"status"`
	Error  string      `json:"error,omitempty"`
	Result *ResultView `json:"result,omitempty"`
}

const StatusNotFound = "not found"

// ResultView merges a completed Job with its Result.
type ResultView struct {
	JobID                    string     `json:"jobId"`
	WebsiteURL               string     `json:"websiteUrl"`
	Region                   Region     `json:"region"`
	Status                   Status     `json:"status"`
	TestType                 string     `json:"testType"`
	CreatedAt                time.Time  `json:"createdAt"`
	CompletedAt              *time.Time `json:"completedAt,omitempty"`
	TestedAt                 time.Time  `json:"testedAt"`
	LoadTime                 float64    `json:"loadTime"`
	DOMContentLoaded         *float64   `json:"domContentLoaded,omitempty"`
	FirstByteTime            *float64   `json:"firstByteTime,omitempty"`
	FirstPaintTime           *float64   `json:"firstPaintTime,omitempty"`
	FirstContentfulPaintTime *float64   `json:"firstContentfulPaintTime,omitempty"`
	TimeToInteractive        *float64   `json:"timeToInteractive,omitempty"`
	NumberOfRequests         *int       `json:"numberOfRequests,omitempty"`
	PageSize                 *int64     `json:"pageSize,omitempty"`
}

func newResultView(j *Job, r *Result) *ResultView {
	return &ResultView{
		JobID:                    j.JobID,
		WebsiteURL:               j.WebsiteURL,
		Region:                   j.Region,
		Status:                   j.Status,
		TestType:                 j.TestType,
		CreatedAt:                j.CreatedAt,
		CompletedAt:              j.CompletedAt,
		TestedAt:                 r.TestedAt,
		LoadTime:                 r.LoadTime,
		DOMContentLoaded:         r.DOMContentLoaded,
		FirstByteTime:            r.FirstByteTime,
		FirstPaintTime:           r.FirstPaintTime,
		FirstContentfulPaintTime: r.FirstContentfulPaintTime,
		TimeToInteractive:        r.TimeToInteractive,
		NumberOfRequests:         r.NumberOfRequests,
		PageSize:                 r.PageSize,
	}
}

// RecentTest is one row of the recent completions view.
type RecentTest struct {
	ID         string    `json:"id"`
	WebsiteURL string    `json:"websiteUrl"`
	Region     Region    `json:"region"`
	LoadTime   string    `json:"loadTime"`
	TestedAt   time.Time `json:"testedAt"`
}
