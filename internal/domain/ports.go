package domain

import "context"

// ProgressFunc receives progress reports from a running stage.
type ProgressFunc func(Progress)

// Fetcher is the driven port for the download stage.
type Fetcher interface {
	Fetch(ctx context.Context, url, dest string, progress ProgressFunc) (int64, error)
}

// Transformer is the driven port for the transform stage.
type Transformer interface {
	Transform(ctx context.Context, src, ext, dest string, progress ProgressFunc) (string, error)
}

// OutputStore is the driven port for job artifact paths.
type OutputStore interface {
	StagingPath(id string) (string, error)
	OutputPath(id, ext string) (string, error)
	Exists(path string) bool
	RemoveStaging(id string) error
	Discard(id string) error
}

// JobRepository is the driven port for job history persistence.
type JobRepository interface {
	Save(ctx context.Context, job Job, version int64) error
	List(ctx context.Context) ([]Job, error)
	MarkInterrupted(ctx context.Context, reason string) (int64, error)
}

// EventType classifies a job update.
type EventType string

const (
	EventCreated  EventType = "created"
	EventUpdated  EventType = "updated"
	EventProgress EventType = "progress"
)

// Event is published after every change to a job.
type Event struct {
	Type EventType
	Job  Job
}

// Notifier receives job events. Implementations must not block.
type Notifier interface {
	Publish(Event)
}
