package materializer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/genjobs/internal/domain"
	"github.com/cuongbtq/genjobs/internal/jobstore"
	"github.com/cuongbtq/genjobs/internal/testutil"
	"github.com/cuongbtq/genjobs/shared/logger"
)

type fixture struct {
	m    *Materializer
	jobs *jobstore.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	log := logger.NewDiscard().Logger
	jobs := jobstore.New(db, log)
	return &fixture{m: New(db, jobs, log), jobs: jobs}
}

func (f *fixture) dispatchedJob(t *testing.T, kind domain.JobKind) *domain.Job {
	t.Helper()
	ctx := context.Background()
	now := domain.Timestamp(time.Now())

	job := &domain.Job{
		ID:        uuid.NewString(),
		UserID:    "u1",
		Kind:      kind,
		State:     domain.JobStatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, f.jobs.Create(ctx, job))
	job.ExternalJobID = "gen-" + job.ID
	require.NoError(t, f.jobs.MarkDispatched(ctx, job.ID, job.ExternalJobID, now))
	return job
}

func TestComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.dispatchedJob(t, domain.JobKindBlog)

	result, err := f.m.Complete(ctx, job.ExternalJobID, domain.Artifact{
		Title:    "Ten tips for sourdough",
		Content:  "1. Patience...",
		MimeType: "text/markdown",
	})
	require.NoError(t, err)

	assert.False(t, result.Duplicate)
	assert.Equal(t, domain.JobStateCompleted, result.Job.State)
	assert.Equal(t, 100, result.Job.Progress)
	require.NotNil(t, result.Artifact)
	assert.Equal(t, result.Artifact.ID, result.Job.ResultRef)

	stored, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCompleted, stored.State)
	assert.Equal(t, 100, stored.Progress)
	assert.Equal(t, result.Artifact.ID, stored.ResultRef)
	assert.NotNil(t, stored.CompletedAt)

	artifact, err := f.jobs.GetArtifactByJobID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ten tips for sourdough", artifact.Title)
	assert.Equal(t, domain.JobKindBlog, artifact.Kind)

	history, err := f.jobs.ProgressHistory(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 100, history[0].Progress)
	assert.Equal(t, CompletedMilestone, history[0].Milestone)
}

func TestComplete_Duplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.dispatchedJob(t, domain.JobKindImage)

	first, err := f.m.Complete(ctx, job.ExternalJobID, domain.Artifact{URI: "s3://b/1.png"})
	require.NoError(t, err)

	second, err := f.m.Complete(ctx, job.ExternalJobID, domain.Artifact{URI: "s3://b/2.png"})
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	require.NotNil(t, second.Artifact)
	assert.Equal(t, first.Artifact.ID, second.Artifact.ID)
	assert.Equal(t, "s3://b/1.png", second.Artifact.URI)
}

func TestComplete_FailedJobIsNotRevived(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.dispatchedJob(t, domain.JobKindImage)

	_, err := f.jobs.MarkFailed(ctx, job.ID, "timeout", domain.Timestamp(time.Now()))
	require.NoError(t, err)

	result, err := f.m.Complete(ctx, job.ExternalJobID, domain.Artifact{URI: "s3://b/late.png"})
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.Equal(t, domain.JobStateFailed, result.Job.State)
	assert.Nil(t, result.Artifact)

	_, err = f.jobs.GetArtifactByJobID(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrArtifactNotFound)
}

func TestComplete_InvalidArtifact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.dispatchedJob(t, domain.JobKindVideo)

	_, err := f.m.Complete(ctx, job.ExternalJobID, domain.Artifact{Title: "no uri"})
	require.Error(t, err)

	var invalid *domain.MaterializationInvalidError
	require.True(t, errors.As(err, &invalid))
	assert.Contains(t, invalid.Reason, "uri")

	stored, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateDispatched, stored.State)
}

func TestComplete_UnknownJob(t *testing.T) {
	f := newFixture(t)

	_, err := f.m.Complete(context.Background(), "gen-nope", domain.Artifact{URI: "s3://x"})
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestComplete_RollsBackOnStorageFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.dispatchedJob(t, domain.JobKindImage)

	// an orphan artifact row makes the insert violate the one-per-job constraint
	require.NoError(t, f.jobs.CreateArtifact(ctx, &domain.Artifact{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		Kind:      domain.JobKindImage,
		URI:       "s3://b/orphan.png",
		CreatedAt: domain.Timestamp(time.Now()),
	}))

	_, err := f.m.Complete(ctx, job.ExternalJobID, domain.Artifact{URI: "s3://b/new.png"})
	require.Error(t, err)

	stored, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateDispatched, stored.State)
	assert.Empty(t, stored.ResultRef)
	assert.Zero(t, stored.Progress)
}
