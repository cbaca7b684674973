package model

import "time"

// JobOutcome is the result of one fetch attempt.
type JobOutcome string

const (
	JobRunning     JobOutcome = "running"
	JobSuccess     JobOutcome = "success"
	JobNotModified JobOutcome = "not_modified"
	JobError       JobOutcome = "error"
)

// FetchJob records one scheduler-initiated fetch of one feed. Jobs are only
// kept in memory for observability.
type FetchJob struct {
	ID         string     `json:"id"`
	FeedID     int64      `json:"feed_id"`
	FeedType   FeedType   `json:"feed_type"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Outcome    JobOutcome `json:"outcome"`
	Found      int        `json:"articles_found"`
	New        int        `json:"articles_new"`
	Updated    int        `json:"articles_updated"`
	Skipped    int        `json:"articles_skipped"`
	Error      string     `json:"error,omitempty"`
}

// Duration is the processing time of a finished job.
func (j FetchJob) Duration() time.Duration {
	if j.FinishedAt == nil {
		return 0
	}
	return j.FinishedAt.Sub(j.StartedAt)
}
