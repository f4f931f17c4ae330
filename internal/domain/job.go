package domain

import "time"

// JobStatus represents the processing state of a job.
type JobStatus string

const (
	StatusQueued       JobStatus = "queued"
	StatusDownloading  JobStatus = "downloading"
	StatusTransforming JobStatus = "transforming"
	StatusCompleted    JobStatus = "completed"
	StatusFailed       JobStatus = "failed"
	StatusCancelled    JobStatus = "cancelled"
)

// transitions lists the forward edges of the job state machine.
var transitions = map[JobStatus][]JobStatus{
	StatusQueued:       {StatusDownloading, StatusCancelled},
	StatusDownloading:  {StatusTransforming, StatusFailed, StatusCancelled},
	StatusTransforming: {StatusCompleted, StatusFailed, StatusCancelled},
}

// IsTerminal reports whether no transition leaves s.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsActive reports whether a stage is running for s.
func (s JobStatus) IsActive() bool {
	return s == StatusDownloading || s == StatusTransforming
}

// CanTransition reports whether the state machine allows s -> next.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Progress describes how far the active stage has come.
type Progress struct {
	Percent    float64
	BytesDone  int64
	BytesTotal int64
}

// Less reports whether p is behind other. Reports that move backwards are dropped.
func (p Progress) Less(other Progress) bool {
	if p.Percent != other.Percent {
		return p.Percent < other.Percent
	}
	return p.BytesDone < other.BytesDone
}

// Job is an immutable snapshot of one download+transform unit of work.
type Job struct {
	ID              string
	SourceURL       string
	TargetExtension string
	Status          JobStatus
	Progress        Progress
	OutputPath      string
	Error           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsTerminal returns true if the job can no longer change.
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// Consistent checks that OutputPath and Error agree with Status.
func (j *Job) Consistent() bool {
	switch j.Status {
	case StatusCompleted:
		return j.OutputPath != "" && j.Error == ""
	case StatusFailed:
		return j.Error != "" && j.OutputPath == ""
	default:
		return j.OutputPath == "" && j.Error == ""
	}
}
