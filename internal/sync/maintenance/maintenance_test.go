package maintenance

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/bridgesync/internal/db"
	"github.com/kimhsiao/bridgesync/internal/models"
)

func newRepo(t *testing.T) *db.Repository {
	t.Helper()
	database, err := db.OpenAndMigrate(context.Background(), filepath.Join(t.TempDir(), "maint.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return db.NewRepository(database.DB)
}

// seedItem creates an item on its own mapping and moves it to status.
func seedItem(t *testing.T, repo *db.Repository, n int, status models.QueueStatus) models.UUID {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	m := &models.EntityMapping{EntityType: "topic", LocalID: fmt.Sprintf("l%d", n), SyncEnabled: true}
	require.NoError(t, repo.CreateMapping(ctx, m))
	item := &models.SyncQueueItem{MappingID: m.ID, Direction: models.DirectionCMSToForum, Operation: models.OperationUpdate}
	require.NoError(t, repo.InsertQueueItem(ctx, item))

	switch status {
	case models.QueueStatusProcessing:
		ok, err := repo.ClaimQueueItem(ctx, item.ID, now)
		require.NoError(t, err)
		require.True(t, ok)
	case models.QueueStatusCompleted:
		ok, err := repo.ClaimQueueItem(ctx, item.ID, now)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = repo.TransitionQueueItem(ctx, item.ID, models.QueueStatusProcessing, models.QueueStatusCompleted, "", now)
		require.NoError(t, err)
		require.True(t, ok)
	case models.QueueStatusFailed:
		ok, err := repo.RecordQueueFailure(ctx, item.ID, models.QueueStatusPending, true, "boom", now)
		require.NoError(t, err)
		require.True(t, ok)
	}
	return item.ID
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "@every 24h", cfg.Schedule)
	assert.Equal(t, 30*24*time.Hour, cfg.CompletedRetention)
	assert.Equal(t, 90*24*time.Hour, cfg.FailedRetention)
	assert.Equal(t, time.Hour, cfg.StuckAfter)
}

func TestRun_RetentionAndStuckReset(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	completed := seedItem(t, repo, 1, models.QueueStatusCompleted)
	failed := seedItem(t, repo, 2, models.QueueStatusFailed)
	stuck := seedItem(t, repo, 3, models.QueueStatusProcessing)
	pending := seedItem(t, repo, 4, models.QueueStatusPending)

	svc := New(repo, Config{})
	// 31 days later: completed items have expired, failed ones have not.
	svc.now = func() time.Time { return time.Now().UTC().Add(31 * 24 * time.Hour) }

	report, err := svc.Run(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, report.PurgedCompleted)
	assert.EqualValues(t, 0, report.PurgedFailed)
	assert.EqualValues(t, 1, report.ResetStuck)
	assert.Same(t, report, svc.LastReport())

	_, err = repo.GetQueueItem(ctx, completed)
	assert.True(t, errors.Is(err, db.ErrNotFound))

	item, err := repo.GetQueueItem(ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusFailed, item.Status)

	item, err = repo.GetQueueItem(ctx, stuck)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, item.Status)

	item, err = repo.GetQueueItem(ctx, pending)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, item.Status)

	// 91 days later the failed item goes too.
	svc.now = func() time.Time { return time.Now().UTC().Add(91 * 24 * time.Hour) }
	report, err = svc.Run(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, report.PurgedFailed)
}

func TestRun_FreshItemsUntouched(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	seedItem(t, repo, 1, models.QueueStatusCompleted)
	seedItem(t, repo, 2, models.QueueStatusProcessing)

	report, err := New(repo, Config{}).Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.PurgedCompleted)
	assert.Zero(t, report.ResetStuck)
}

type failingRepo struct{}

func (failingRepo) DeleteQueueItemsBefore(context.Context, models.QueueStatus, time.Time) (int64, error) {
	return 0, nil
}

func (failingRepo) ResetStuckProcessing(context.Context, time.Time, time.Time) (int64, error) {
	return 0, errors.New("disk full")
}

func TestRun_ErrorRecorded(t *testing.T) {
	svc := New(failingRepo{}, Config{})
	report, err := svc.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, "disk full", report.Error)
	assert.Equal(t, "disk full", svc.LastReport().Error)
}

func TestStartStop(t *testing.T) {
	svc := New(newRepo(t), Config{Schedule: "@every 1h"})
	require.NoError(t, svc.Start())
	require.NoError(t, svc.Start())
	svc.Stop()
	svc.Stop()

	bad := New(newRepo(t), Config{Schedule: "not a schedule"})
	assert.Error(t, bad.Start())
}
