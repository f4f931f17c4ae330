package domain

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRepo implements JobRepository for testing.
type mockRepo struct {
	mu          sync.Mutex
	saved       map[string]Job
	versions    map[string]int64
	history     []Job
	interrupted int64
	saveErr     error
}

func newMockRepo() *mockRepo {
	return &mockRepo{saved: make(map[string]Job), versions: make(map[string]int64)}
}

func (m *mockRepo) Save(ctx context.Context, job Job, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	if version > m.versions[job.ID] {
		m.saved[job.ID] = job
		m.versions[job.ID] = version
	}
	return nil
}

func (m *mockRepo) List(ctx context.Context) ([]Job, error) {
	return m.history, nil
}

func (m *mockRepo) MarkInterrupted(ctx context.Context, reason string) (int64, error) {
	return m.interrupted, nil
}

func (m *mockRepo) get(id string) Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved[id]
}

// mockStore implements OutputStore for testing.
type mockStore struct {
	mu        sync.Mutex
	existing  map[string]bool
	discarded []string
}

func newMockStore() *mockStore {
	return &mockStore{existing: make(map[string]bool)}
}

func (m *mockStore) StagingPath(id string) (string, error)     { return "/data/staging/" + id + ".src", nil }
func (m *mockStore) OutputPath(id, ext string) (string, error) { return "/data/output/" + id + "." + ext, nil }
func (m *mockStore) RemoveStaging(id string) error             { return nil }

func (m *mockStore) Exists(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.existing[path]
}

func (m *mockStore) Discard(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discarded = append(m.discarded, id)
	return nil
}

func (m *mockStore) discards() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.discarded...)
}

// recorder implements Notifier for testing.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) statuses(id string) []JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []JobStatus
	for _, evt := range r.events {
		if evt.Job.ID == id && evt.Type != EventProgress {
			out = append(out, evt.Job.Status)
		}
	}
	return out
}

type fixture struct {
	svc   *JobService
	repo  *mockRepo
	store *mockStore
	rec   *recorder
}

func newFixture(t *testing.T, opts Options) fixture {
	t.Helper()
	repo := newMockRepo()
	store := newMockStore()
	rec := &recorder{}
	opts.Logger = zerolog.Nop()
	opts.Notifiers = append(opts.Notifiers, rec)
	return fixture{
		svc:   NewJobService(repo, store, opts),
		repo:  repo,
		store: store,
		rec:   rec,
	}
}

func TestJobService_Submit(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		ext     string
		wantExt string
		wantURL string
		wantErr bool
	}{
		{name: "valid", url: "https://example.com/video.mkv", ext: "mp4", wantExt: "mp4"},
		{name: "trims url", url: "  https://example.com/a.mkv\n", ext: "mp4", wantExt: "mp4", wantURL: "https://example.com/a.mkv"},
		{name: "normalizes extension", url: "http://example.com/a", ext: ".MKV", wantExt: "mkv"},
		{name: "empty url", url: "", ext: "mp4", wantErr: true},
		{name: "relative url", url: "not-a-url", ext: "mp4", wantErr: true},
		{name: "unsupported scheme", url: "ftp://example.com/a", ext: "mp4", wantErr: true},
		{name: "missing host", url: "http:///path", ext: "mp4", wantErr: true},
		{name: "empty extension", url: "https://example.com/a", ext: "", wantErr: true},
		{name: "path in extension", url: "https://example.com/a", ext: "../mp4", wantErr: true},
		{name: "extension too long", url: "https://example.com/a", ext: "abcdefghijk", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			job, err := f.svc.Submit(context.Background(), tt.url, tt.ext)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidInput)
				assert.Empty(t, f.svc.List())
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, job.ID)
			assert.Equal(t, StatusQueued, job.Status)
			assert.Equal(t, tt.wantExt, job.TargetExtension)
			wantURL := tt.wantURL
			if wantURL == "" {
				wantURL = tt.url
			}
			assert.Equal(t, wantURL, job.SourceURL)
			assert.Equal(t, wantURL, f.repo.get(job.ID).SourceURL)

			got, err := f.svc.Get(job.ID)
			require.NoError(t, err)
			assert.Equal(t, job, got)
			assert.Equal(t, StatusQueued, f.repo.get(job.ID).Status)
		})
	}
}

func TestJobService_SubmitSignalsWake(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.svc.Submit(context.Background(), "https://example.com/a", "mp4")
	require.NoError(t, err)

	select {
	case <-f.svc.Wake():
	default:
		t.Fatal("expected wake signal after submit")
	}
}

func TestJobService_GetUnknown(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.svc.Get("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobService_ListInCreationOrder(t *testing.T) {
	f := newFixture(t, Options{})
	var ids []string
	for range 5 {
		job, err := f.svc.Submit(context.Background(), "https://example.com/a", "mp4")
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	var got []string
	for _, job := range f.svc.List() {
		got = append(got, job.ID)
	}
	assert.Equal(t, ids, got)
}

func TestJobService_ClaimRespectsCeiling(t *testing.T) {
	f := newFixture(t, Options{MaxConcurrent: 2})
	var ids []string
	for range 3 {
		job, err := f.svc.Submit(context.Background(), "https://example.com/a", "mp4")
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	for _, id := range ids[:2] {
		job, ctx, err := f.svc.Claim(id)
		require.NoError(t, err)
		assert.Equal(t, StatusDownloading, job.Status)
		assert.NoError(t, ctx.Err())
	}

	_, _, err := f.svc.Claim(ids[2])
	assert.ErrorIs(t, err, ErrNoSlot)
	assert.Equal(t, 2, f.svc.ActiveCount())

	_, _, err = f.svc.Claim(ids[0])
	assert.ErrorIs(t, err, ErrNotQueued)

	f.svc.Finish(ids[0], errors.New("boom"))
	_, _, err = f.svc.Claim(ids[2])
	require.NoError(t, err)
	assert.Equal(t, 2, f.svc.ActiveCount())
}

func TestJobService_ClaimIsExclusiveUnderContention(t *testing.T) {
	f := newFixture(t, Options{MaxConcurrent: 3})
	var ids []string
	for range 20 {
		job, err := f.svc.Submit(context.Background(), "https://example.com/a", "mp4")
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := 0
	for _, id := range ids {
		for range 2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, _, err := f.svc.Claim(id); err == nil {
					mu.Lock()
					claimed++
					mu.Unlock()
				}
			}()
		}
	}
	wg.Wait()

	assert.Equal(t, 3, claimed)
	assert.Equal(t, 3, f.svc.ActiveCount())
}

func TestJobService_HappyPath(t *testing.T) {
	f := newFixture(t, Options{})
	job, err := f.svc.Submit(context.Background(), "https://example.com/a.mkv", "mp4")
	require.NoError(t, err)

	_, _, err = f.svc.Claim(job.ID)
	require.NoError(t, err)

	f.svc.ReportProgress(job.ID, Progress{Percent: 40, BytesDone: 40, BytesTotal: 100})
	f.svc.ReportProgress(job.ID, Progress{Percent: 20, BytesDone: 20, BytesTotal: 100})
	got, _ := f.svc.Get(job.ID)
	assert.Equal(t, 40.0, got.Progress.Percent)

	require.NoError(t, f.svc.BeginTransform(job.ID))
	got, _ = f.svc.Get(job.ID)
	assert.Equal(t, StatusTransforming, got.Status)
	assert.Zero(t, got.Progress.Percent)

	require.NoError(t, f.svc.Complete(job.ID, "/data/output/"+job.ID+".mp4"))
	got, _ = f.svc.Get(job.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 100.0, got.Progress.Percent)
	assert.True(t, got.Consistent())
	assert.Equal(t, 0, f.svc.ActiveCount())

	assert.Equal(t,
		[]JobStatus{StatusQueued, StatusDownloading, StatusTransforming, StatusCompleted},
		f.rec.statuses(job.ID))
	assert.Equal(t, StatusCompleted, f.repo.get(job.ID).Status)
	assert.Empty(t, f.store.discards())
}

func TestJobService_ProgressIgnoredWhenNotActive(t *testing.T) {
	f := newFixture(t, Options{})
	job, err := f.svc.Submit(context.Background(), "https://example.com/a", "mp4")
	require.NoError(t, err)

	f.svc.ReportProgress(job.ID, Progress{Percent: 50})
	got, _ := f.svc.Get(job.ID)
	assert.Zero(t, got.Progress.Percent)

	f.svc.ReportProgress("missing", Progress{Percent: 50})
}

func TestJobService_CancelQueued(t *testing.T) {
	f := newFixture(t, Options{})
	job, err := f.svc.Submit(context.Background(), "https://example.com/a", "mp4")
	require.NoError(t, err)

	assert.True(t, f.svc.Cancel(job.ID))
	got, _ := f.svc.Get(job.ID)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.True(t, got.Consistent())
	assert.Contains(t, f.store.discards(), job.ID)

	assert.False(t, f.svc.Cancel(job.ID), "second cancel is a no-op")
	_, _, err = f.svc.Claim(job.ID)
	assert.ErrorIs(t, err, ErrNotQueued)
}

func TestJobService_CancelUnknown(t *testing.T) {
	f := newFixture(t, Options{})
	assert.False(t, f.svc.Cancel("missing"))
}

func TestJobService_CancelRunning(t *testing.T) {
	f := newFixture(t, Options{})
	job, err := f.svc.Submit(context.Background(), "https://example.com/a", "mp4")
	require.NoError(t, err)
	_, ctx, err := f.svc.Claim(job.ID)
	require.NoError(t, err)

	assert.True(t, f.svc.Cancel(job.ID))
	<-ctx.Done()
	assert.ErrorIs(t, context.Cause(ctx), ErrCancelled)

	got, _ := f.svc.Get(job.ID)
	assert.Equal(t, StatusDownloading, got.Status, "status changes once the stage stops")

	f.svc.Finish(job.ID, context.Cause(ctx))
	got, _ = f.svc.Get(job.ID)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, 0, f.svc.ActiveCount())
	assert.False(t, f.svc.Cancel(job.ID))
}

func TestJobService_CancelThenStageErrorIsCancelled(t *testing.T) {
	f := newFixture(t, Options{})
	job, _ := f.svc.Submit(context.Background(), "https://example.com/a", "mp4")
	_, _, err := f.svc.Claim(job.ID)
	require.NoError(t, err)

	f.svc.Cancel(job.ID)
	f.svc.Finish(job.ID, errors.New("signal: terminated"))

	got, _ := f.svc.Get(job.ID)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestJobService_CompleteWinsOverLateCancel(t *testing.T) {
	f := newFixture(t, Options{})
	job, _ := f.svc.Submit(context.Background(), "https://example.com/a", "mp4")
	_, _, err := f.svc.Claim(job.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.BeginTransform(job.ID))

	f.svc.Cancel(job.ID)
	require.NoError(t, f.svc.Complete(job.ID, "/data/output/x.mp4"))

	got, _ := f.svc.Get(job.ID)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestJobService_GraceReclaim(t *testing.T) {
	f := newFixture(t, Options{CancelGrace: 20 * time.Millisecond})
	job, _ := f.svc.Submit(context.Background(), "https://example.com/a", "mp4")
	_, _, err := f.svc.Claim(job.ID)
	require.NoError(t, err)

	f.svc.Cancel(job.ID)

	require.Eventually(t, func() bool {
		got, _ := f.svc.Get(job.ID)
		return got.Status == StatusFailed
	}, time.Second, 5*time.Millisecond)

	got, _ := f.svc.Get(job.ID)
	assert.Contains(t, got.Error, "timeout:")
	assert.Equal(t, 0, f.svc.ActiveCount())
	assert.Contains(t, f.store.discards(), job.ID)

	// the stage reporting late must not resurrect the job
	f.svc.Finish(job.ID, ErrCancelled)
	assert.ErrorIs(t, f.svc.Complete(job.ID, "/out"), ErrInvalidTransition)
	got, _ = f.svc.Get(job.ID)
	assert.Equal(t, StatusFailed, got.Status)
}

func TestJobService_JobTimeout(t *testing.T) {
	f := newFixture(t, Options{JobTimeout: 10 * time.Millisecond})
	job, _ := f.svc.Submit(context.Background(), "https://example.com/a", "mp4")
	_, ctx, err := f.svc.Claim(job.ID)
	require.NoError(t, err)

	<-ctx.Done()
	require.ErrorIs(t, context.Cause(ctx), ErrTimeout)
	f.svc.Finish(job.ID, context.Cause(ctx))

	got, _ := f.svc.Get(job.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "timeout: timeout", got.Error)
}

func TestJobService_FinishFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"transfer", &TransferError{URL: "http://x", StatusCode: 404}, "transfer error: http://x: unexpected status 404"},
		{"transform", &TransformError{ExitCode: 1, Diagnostic: "bad"}, "transform error: exit code 1: bad"},
		{"generic", errors.New("disk full"), "error: disk full"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			job, _ := f.svc.Submit(context.Background(), "https://example.com/a", "mp4")
			_, _, err := f.svc.Claim(job.ID)
			require.NoError(t, err)

			f.svc.Finish(job.ID, tt.err)
			got, _ := f.svc.Get(job.ID)
			assert.Equal(t, StatusFailed, got.Status)
			assert.Equal(t, tt.want, got.Error)
			assert.True(t, got.Consistent())
		})
	}
}

func TestJobService_BeginTransformRequiresDownloading(t *testing.T) {
	f := newFixture(t, Options{})
	job, _ := f.svc.Submit(context.Background(), "https://example.com/a", "mp4")

	assert.ErrorIs(t, f.svc.BeginTransform(job.ID), ErrInvalidTransition)
	assert.ErrorIs(t, f.svc.BeginTransform("missing"), ErrJobNotFound)
	assert.ErrorIs(t, f.svc.Complete(job.ID, "/out"), ErrInvalidTransition)
}

func TestJobService_ResolveOutput(t *testing.T) {
	f := newFixture(t, Options{})
	job, _ := f.svc.Submit(context.Background(), "https://example.com/a", "mp4")

	_, err := f.svc.ResolveOutput(job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound, "queued job has no output")

	_, _, _ = f.svc.Claim(job.ID)
	require.NoError(t, f.svc.BeginTransform(job.ID))
	out := "/data/output/" + job.ID + ".mp4"
	require.NoError(t, f.svc.Complete(job.ID, out))

	_, err = f.svc.ResolveOutput(job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound, "file missing on disk")

	f.store.mu.Lock()
	f.store.existing[out] = true
	f.store.mu.Unlock()

	path, err := f.svc.ResolveOutput(job.ID)
	require.NoError(t, err)
	assert.Equal(t, out, path)

	_, err = f.svc.ResolveOutput("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobService_NextQueued(t *testing.T) {
	f := newFixture(t, Options{MaxConcurrent: 5})
	a, _ := f.svc.Submit(context.Background(), "https://example.com/a", "mp4")
	b, _ := f.svc.Submit(context.Background(), "https://example.com/b", "mp4")
	c, _ := f.svc.Submit(context.Background(), "https://example.com/c", "mp4")

	_, _, err := f.svc.Claim(b.ID)
	require.NoError(t, err)

	var ids []string
	for _, job := range f.svc.NextQueued() {
		ids = append(ids, job.ID)
	}
	assert.Equal(t, []string{a.ID, c.ID}, ids)
}

func TestJobService_CancelAll(t *testing.T) {
	f := newFixture(t, Options{})
	a, _ := f.svc.Submit(context.Background(), "https://example.com/a", "mp4")
	b, _ := f.svc.Submit(context.Background(), "https://example.com/b", "mp4")
	_, ctx, err := f.svc.Claim(a.ID)
	require.NoError(t, err)

	f.svc.CancelAll()

	assert.ErrorIs(t, context.Cause(ctx), ErrCancelled)
	got, _ := f.svc.Get(b.ID)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestJobService_Restore(t *testing.T) {
	repo := newMockRepo()
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	repo.history = []Job{
		{ID: "a", Status: StatusCompleted, OutputPath: "/out/a.mp4", CreatedAt: created},
		{ID: "b", Status: StatusFailed, Error: "interrupted: process restarted", CreatedAt: created},
	}
	repo.interrupted = 1

	svc := NewJobService(repo, newMockStore(), Options{Logger: zerolog.Nop()})
	n, err := svc.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	jobs := svc.List()
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].ID)
	assert.Equal(t, StatusFailed, jobs[1].Status)
}

func TestJobService_RestoreDiscardsUnfinishedFiles(t *testing.T) {
	repo := newMockRepo()
	repo.history = []Job{
		{ID: "done", Status: StatusCompleted, OutputPath: "/data/output/done.mp4"},
		{ID: "broken", Status: StatusFailed, Error: "interrupted: process restarted"},
		{ID: "stopped", Status: StatusCancelled},
	}
	store := newMockStore()

	svc := NewJobService(repo, store, Options{Logger: zerolog.Nop()})
	_, err := svc.Restore(context.Background())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"broken", "stopped"}, store.discards())
}

func TestJobService_RejectsEdgesOutsideStateMachine(t *testing.T) {
	f := newFixture(t, Options{})
	done := &entry{job: Job{ID: "x", Status: StatusCompleted, OutputPath: "/out/x.mp4"}, version: 4}

	_, _, err := f.svc.transitionLocked(done, StatusDownloading)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, _, err = f.svc.finishLocked(done, StatusFailed, "", "late failure")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.Equal(t, StatusCompleted, done.job.Status)
	assert.Equal(t, "/out/x.mp4", done.job.OutputPath)
	assert.Empty(t, done.job.Error)
	assert.Equal(t, int64(4), done.version)

	queued := &entry{job: Job{ID: "q", Status: StatusQueued}, version: 1}
	_, _, err = f.svc.finishLocked(queued, StatusCompleted, "/out/q.mp4", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, _, err = f.svc.transitionLocked(queued, StatusQueued)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusQueued, queued.job.Status)
	assert.Equal(t, int64(1), queued.version)
}

func TestJobService_PersistFailureDoesNotFailSubmit(t *testing.T) {
	f := newFixture(t, Options{})
	f.repo.saveErr = errors.New("disk full")

	job, err := f.svc.Submit(context.Background(), "https://example.com/a", "mp4")
	require.NoError(t, err)
	_, err = f.svc.Get(job.ID)
	assert.NoError(t, err)
}
