package domain

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

var extensionPattern = regexp.MustCompile(`^[a-z0-9]{1,10}$`)

// Options configures a JobService.
type Options struct {
	// MaxConcurrent is the number of jobs allowed in an active stage at once.
	MaxConcurrent int
	// CancelGrace bounds how long a cancelled stage may keep its slot.
	CancelGrace time.Duration
	// JobTimeout aborts a job after this long; zero disables it.
	JobTimeout time.Duration
	Logger     zerolog.Logger
	Notifiers  []Notifier
}

type entry struct {
	job       Job
	version   int64
	holdsSlot bool

	cancel          context.CancelCauseFunc
	stop            context.CancelFunc
	cancelRequested bool
	graceTimer      *time.Timer
}

// JobService owns every job record. It is the only writer of job state and
// the owner of the concurrency slots.
type JobService struct {
	repo      JobRepository
	store     OutputStore
	log       zerolog.Logger
	notifiers []Notifier

	slots       *semaphore.Weighted
	maxActive   int
	cancelGrace time.Duration
	jobTimeout  time.Duration

	now   func() time.Time
	newID func() string

	mu    sync.Mutex
	jobs  map[string]*entry
	order []string

	wake chan struct{}
}

// NewJobService creates a new JobService. repo may be nil to keep jobs in
// memory only.
func NewJobService(repo JobRepository, store OutputStore, opts Options) *JobService {
	maxActive := opts.MaxConcurrent
	if maxActive < 1 {
		maxActive = 1
	}
	grace := opts.CancelGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	return &JobService{
		repo:        repo,
		store:       store,
		log:         opts.Logger,
		notifiers:   opts.Notifiers,
		slots:       semaphore.NewWeighted(int64(maxActive)),
		maxActive:   maxActive,
		cancelGrace: grace,
		jobTimeout:  opts.JobTimeout,
		now:         time.Now,
		newID:       func() string { return uuid.New().String() },
		jobs:        make(map[string]*entry),
		wake:        make(chan struct{}, 1),
	}
}

// AddNotifier registers n for all future events.
func (s *JobService) AddNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifiers = append(s.notifiers, n)
}

// Restore loads job history from the repository. Jobs that were still
// running when the process stopped are marked failed first. Files left
// behind by jobs that did not complete are discarded.
func (s *JobService) Restore(ctx context.Context) (int64, error) {
	if s.repo == nil {
		return 0, nil
	}
	interrupted, err := s.repo.MarkInterrupted(ctx, "interrupted: process restarted")
	if err != nil {
		return 0, fmt.Errorf("mark interrupted jobs: %w", err)
	}
	jobs, err := s.repo.List(ctx)
	if err != nil {
		return interrupted, fmt.Errorf("load job history: %w", err)
	}

	var leftovers []string
	s.mu.Lock()
	for _, job := range jobs {
		if _, ok := s.jobs[job.ID]; ok {
			continue
		}
		s.jobs[job.ID] = &entry{job: job, version: 1}
		s.order = append(s.order, job.ID)
		if job.Status == StatusFailed || job.Status == StatusCancelled {
			leftovers = append(leftovers, job.ID)
		}
	}
	s.mu.Unlock()

	for _, id := range leftovers {
		if err := s.store.Discard(id); err != nil {
			s.log.Warn().Str("job", id).Err(err).Msg("discard job files")
		}
	}
	return interrupted, nil
}

// Submit validates the request and queues a new job. It never waits for the
// job to run.
func (s *JobService) Submit(ctx context.Context, rawURL, ext string) (Job, error) {
	rawURL = strings.TrimSpace(rawURL)
	if err := ValidateSourceURL(rawURL); err != nil {
		return Job{}, err
	}
	ext, err := NormalizeExtension(ext)
	if err != nil {
		return Job{}, err
	}

	now := s.now()
	job := Job{
		ID:              s.newID(),
		SourceURL:       rawURL,
		TargetExtension: ext,
		Status:          StatusQueued,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	s.mu.Lock()
	s.jobs[job.ID] = &entry{job: job, version: 1}
	s.order = append(s.order, job.ID)
	s.mu.Unlock()

	s.log.Info().Str("job", job.ID).Str("ext", ext).Msg("job queued")
	s.commit(ctx, EventCreated, job, 1)
	s.signal()
	return job, nil
}

// Get returns a snapshot of the job.
func (s *JobService) Get(id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return e.job, nil
}

// List returns snapshots of all jobs in creation order.
func (s *JobService) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]Job, 0, len(s.order))
	for _, id := range s.order {
		jobs = append(jobs, s.jobs[id].job)
	}
	return jobs
}

// NextQueued returns queued jobs in creation order.
func (s *JobService) NextQueued() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []Job
	for _, id := range s.order {
		if e := s.jobs[id]; e.job.Status == StatusQueued {
			jobs = append(jobs, e.job)
		}
	}
	return jobs
}

// ActiveCount returns the number of jobs holding a slot.
func (s *JobService) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.jobs {
		if e.holdsSlot {
			n++
		}
	}
	return n
}

// MaxConcurrent returns the configured concurrency ceiling.
func (s *JobService) MaxConcurrent() int {
	return s.maxActive
}

// Wake returns a channel that receives when queued work may be admitted.
func (s *JobService) Wake() <-chan struct{} {
	return s.wake
}

// Cancel requests cancellation. Queued jobs are cancelled at once; running
// jobs are signalled and move to cancelled when their stage stops. It
// returns false for unknown or finished jobs.
func (s *JobService) Cancel(id string) bool {
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok || e.job.Status.IsTerminal() {
		s.mu.Unlock()
		return false
	}

	if e.job.Status == StatusQueued {
		job, version, err := s.finishLocked(e, StatusCancelled, "", "")
		s.mu.Unlock()
		if err != nil {
			return false
		}
		s.log.Info().Str("job", id).Msg("queued job cancelled")
		s.afterTerminal(job, version)
		return true
	}

	if !e.cancelRequested {
		e.cancelRequested = true
		e.cancel(ErrCancelled)
		e.graceTimer = time.AfterFunc(s.cancelGrace, func() { s.reclaim(id) })
		s.log.Info().Str("job", id).Str("status", string(e.job.Status)).Msg("cancellation requested")
	}
	s.mu.Unlock()
	return true
}

// CancelAll cancels every job that has not finished.
func (s *JobService) CancelAll() {
	for _, job := range s.List() {
		if !job.IsTerminal() {
			s.Cancel(job.ID)
		}
	}
}

// ResolveOutput returns the output path of a completed job whose file is
// still on disk.
func (s *JobService) ResolveOutput(id string) (string, error) {
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok || e.job.Status != StatusCompleted {
		s.mu.Unlock()
		return "", ErrJobNotFound
	}
	path := e.job.OutputPath
	s.mu.Unlock()

	if !s.store.Exists(path) {
		return "", ErrJobNotFound
	}
	return path, nil
}

// Claim takes a concurrency slot for a queued job and moves it to
// downloading. The slot test and the transition happen under one lock.
// The returned context is the job's cancellation token.
func (s *JobService) Claim(id string) (Job, context.Context, error) {
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return Job{}, nil, ErrJobNotFound
	}
	if e.job.Status != StatusQueued {
		s.mu.Unlock()
		return Job{}, nil, ErrNotQueued
	}
	if !s.slots.TryAcquire(1) {
		s.mu.Unlock()
		return Job{}, nil, ErrNoSlot
	}
	job, version, err := s.transitionLocked(e, StatusDownloading)
	if err != nil {
		s.slots.Release(1)
		s.mu.Unlock()
		return Job{}, nil, err
	}
	e.holdsSlot = true

	ctx, cancel := context.WithCancelCause(context.Background())
	e.cancel = cancel
	if s.jobTimeout > 0 {
		ctx, e.stop = context.WithTimeoutCause(ctx, s.jobTimeout, ErrTimeout)
	}
	s.mu.Unlock()

	s.log.Info().Str("job", id).Msg("job started")
	s.commit(context.Background(), EventUpdated, job, version)
	return job, ctx, nil
}

// ReportProgress records progress for the active stage. Reports that go
// backwards or arrive after the stage ended are ignored.
func (s *JobService) ReportProgress(id string, p Progress) {
	p.Percent = min(max(p.Percent, 0), 100)

	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok || !e.job.Status.IsActive() || !e.job.Progress.Less(p) {
		s.mu.Unlock()
		return
	}
	e.job.Progress = p
	e.job.UpdatedAt = s.now()
	job := e.job
	s.mu.Unlock()

	s.publish(Event{Type: EventProgress, Job: job})
}

// BeginTransform moves a downloaded job to transforming.
func (s *JobService) BeginTransform(id string) error {
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrJobNotFound
	}
	job, version, err := s.transitionLocked(e, StatusTransforming)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.commit(context.Background(), EventUpdated, job, version)
	return nil
}

// Complete marks a transforming job as completed. A stage that finished
// wins over a cancellation that arrived late.
func (s *JobService) Complete(id, outputPath string) error {
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrJobNotFound
	}
	job, version, err := s.finishLocked(e, StatusCompleted, outputPath, "")
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.log.Info().Str("job", id).Str("output", outputPath).Msg("job completed")
	s.afterTerminal(job, version)
	return nil
}

// Finish records the outcome of a stage that returned err. Cancellation
// causes end in cancelled, everything else in failed. Finished jobs are
// left untouched.
func (s *JobService) Finish(id string, err error) {
	if err == nil {
		return
	}

	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok || !e.job.Status.IsActive() {
		s.mu.Unlock()
		return
	}

	status, reason := StatusFailed, failureReason(err)
	if errors.Is(err, ErrCancelled) || (e.cancelRequested && !errors.Is(err, ErrTimeout)) {
		status, reason = StatusCancelled, ""
	}
	job, version, ferr := s.finishLocked(e, status, "", reason)
	s.mu.Unlock()
	if ferr != nil {
		return
	}

	s.log.Info().Str("job", id).Str("status", string(job.Status)).Err(err).Msg("job stopped")
	s.afterTerminal(job, version)
}

// reclaim forces a job that ignored its cancellation out of its slot.
func (s *JobService) reclaim(id string) {
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok || !e.job.Status.IsActive() {
		s.mu.Unlock()
		return
	}
	reason := fmt.Sprintf("timeout: stage did not stop within %s after cancellation", s.cancelGrace)
	job, version, err := s.finishLocked(e, StatusFailed, "", reason)
	s.mu.Unlock()
	if err != nil {
		return
	}

	s.log.Warn().Str("job", id).Dur("grace", s.cancelGrace).Msg("reclaimed slot from unresponsive job")
	s.afterTerminal(job, version)
}

// transitionLocked moves e to next. Edges outside the state machine are
// rejected and leave e untouched.
func (s *JobService) transitionLocked(e *entry, next JobStatus) (Job, int64, error) {
	if !e.job.Status.CanTransition(next) {
		return Job{}, 0, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.job.Status, next)
	}
	e.job.Status = next
	e.job.Progress = Progress{}
	e.job.UpdatedAt = s.now()
	e.version++
	return e.job, e.version, nil
}

// finishLocked commits a terminal status and releases everything the job
// held.
func (s *JobService) finishLocked(e *entry, status JobStatus, outputPath, reason string) (Job, int64, error) {
	if !status.IsTerminal() || !e.job.Status.CanTransition(status) {
		return Job{}, 0, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.job.Status, status)
	}
	if status == StatusCompleted {
		e.job.Progress.Percent = 100
	}
	e.job.Status = status
	e.job.OutputPath = outputPath
	e.job.Error = reason
	e.job.UpdatedAt = s.now()
	e.version++

	if e.holdsSlot {
		s.slots.Release(1)
		e.holdsSlot = false
	}
	if e.graceTimer != nil {
		e.graceTimer.Stop()
		e.graceTimer = nil
	}
	if e.stop != nil {
		e.stop()
		e.stop = nil
	}
	if e.cancel != nil {
		e.cancel(nil)
		e.cancel = nil
	}
	return e.job, e.version, nil
}

func (s *JobService) afterTerminal(job Job, version int64) {
	if job.Status != StatusCompleted {
		if err := s.store.Discard(job.ID); err != nil {
			s.log.Warn().Str("job", job.ID).Err(err).Msg("discard job files")
		}
	}
	s.commit(context.Background(), EventUpdated, job, version)
	s.signal()
}

func (s *JobService) commit(ctx context.Context, typ EventType, job Job, version int64) {
	if s.repo != nil {
		if err := s.repo.Save(ctx, job, version); err != nil {
			s.log.Error().Str("job", job.ID).Err(err).Msg("persist job")
		}
	}
	s.publish(Event{Type: typ, Job: job})
}

func (s *JobService) publish(evt Event) {
	s.mu.Lock()
	notifiers := s.notifiers
	s.mu.Unlock()
	for _, n := range notifiers {
		n.Publish(evt)
	}
}

func (s *JobService) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// ValidateSourceURL checks that raw is an absolute http(s) URL.
func ValidateSourceURL(raw string) error {
	u, err := url.ParseRequestURI(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: malformed url", ErrInvalidInput)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported url scheme %q", ErrInvalidInput, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: url has no host", ErrInvalidInput)
	}
	return nil
}

// NormalizeExtension lower-cases ext, strips a leading dot and rejects
// anything that is not a short alphanumeric token.
func NormalizeExtension(ext string) (string, error) {
	ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	if ext == "" {
		return "", fmt.Errorf("%w: file extension is required", ErrInvalidInput)
	}
	if !extensionPattern.MatchString(ext) {
		return "", fmt.Errorf("%w: unsupported file extension %q", ErrInvalidInput, ext)
	}
	return ext, nil
}
