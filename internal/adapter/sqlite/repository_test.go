package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwygoda/optimizer/internal/adapter/storage"
	"github.com/cwygoda/optimizer/internal/domain"
)

func setupTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := New(filepath.Join(t.TempDir(), "nested", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func testJob(id string, created time.Time) domain.Job {
	return domain.Job{
		ID:              id,
		SourceURL:       "https://example.com/" + id + ".mkv",
		TargetExtension: "mp4",
		Status:          domain.StatusQueued,
		CreatedAt:       created,
		UpdatedAt:       created,
	}
}

func getJob(ctx context.Context, repo *Repository, id string) (domain.Job, error) {
	return scanJob(repo.db.QueryRowContext(ctx, selectJob+` WHERE id = ?`, id))
}

func TestRepository_SaveAndGet(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 123, time.UTC)

	job := testJob("a", created)
	require.NoError(t, repo.Save(ctx, job, 1))

	got, err := getJob(ctx, repo, "a")
	require.NoError(t, err)
	if diff := cmp.Diff(job, got); diff != "" {
		t.Errorf("Get() mismatch (-want +got):\n%s", diff)
	}

	job.Status = domain.StatusCompleted
	job.OutputPath = "/data/output/a.mp4"
	job.Progress = domain.Progress{Percent: 100, BytesDone: 42, BytesTotal: 42}
	job.UpdatedAt = created.Add(time.Minute)
	require.NoError(t, repo.Save(ctx, job, 4))

	got, err = getJob(ctx, repo, "a")
	require.NoError(t, err)
	if diff := cmp.Diff(job, got); diff != "" {
		t.Errorf("Get() after update mismatch (-want +got):\n%s", diff)
	}
}

func TestRepository_GetNotFound(t *testing.T) {
	repo := setupTestRepo(t)
	_, err := getJob(context.Background(), repo, "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestRepository_StaleVersionIgnored(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	job := testJob("a", time.Now())

	require.NoError(t, repo.Save(ctx, job, 1))

	done := job
	done.Status = domain.StatusCancelled
	require.NoError(t, repo.Save(ctx, done, 3))

	stale := job
	stale.Status = domain.StatusDownloading
	require.NoError(t, repo.Save(ctx, stale, 2))

	got, err := getJob(ctx, repo, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
}

func TestRepository_ListInCreationOrder(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, repo.Save(ctx, testJob("c", base.Add(2*time.Second)), 1))
	require.NoError(t, repo.Save(ctx, testJob("a", base), 1))
	require.NoError(t, repo.Save(ctx, testJob("b", base.Add(time.Second)), 1))

	jobs, err := repo.List(ctx)
	require.NoError(t, err)

	var ids []string
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestRepository_MarkInterrupted(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	now := time.Now()

	statuses := map[string]domain.JobStatus{
		"queued":       domain.StatusQueued,
		"downloading":  domain.StatusDownloading,
		"transforming": domain.StatusTransforming,
		"completed":    domain.StatusCompleted,
		"cancelled":    domain.StatusCancelled,
	}
	for id, status := range statuses {
		job := testJob(id, now)
		job.Status = status
		if status == domain.StatusCompleted {
			job.OutputPath = "/data/output/x.mp4"
		}
		require.NoError(t, repo.Save(ctx, job, 1))
	}

	n, err := repo.MarkInterrupted(ctx, "interrupted: process restarted")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	for id, before := range statuses {
		got, err := getJob(ctx, repo, id)
		require.NoError(t, err)
		if before.IsTerminal() {
			assert.Equal(t, before, got.Status, id)
			continue
		}
		assert.Equal(t, domain.StatusFailed, got.Status, id)
		assert.Equal(t, "interrupted: process restarted", got.Error, id)
		assert.True(t, got.Consistent(), id)
	}

	n, err = repo.MarkInterrupted(ctx, "interrupted: process restarted")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRestart_RemovesPartialOutputOfInterruptedJob(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	store, err := storage.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.EnsureDirs())

	job := testJob(uuid.NewString(), time.Now())
	job.TargetExtension = "mkv"
	job.Status = domain.StatusTransforming
	require.NoError(t, repo.Save(ctx, job, 3))

	dest, err := store.OutputPath(job.ID, "mkv")
	require.NoError(t, err)
	partial := dest + ".part.mkv"
	require.NoError(t, os.WriteFile(partial, []byte("half a movie"), 0o644))

	// a restart empties staging before history is restored
	require.NoError(t, store.EnsureDirs())
	svc := domain.NewJobService(repo, store, domain.Options{Logger: zerolog.Nop()})
	n, err := svc.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	assert.NoFileExists(t, partial)
	got, err := svc.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
}
