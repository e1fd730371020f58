package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/bridgesync/internal/db"
	apperrors "github.com/kimhsiao/bridgesync/internal/errors"
	"github.com/kimhsiao/bridgesync/internal/models"
)

type fixture struct {
	repo *db.Repository
	q    *Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.OpenAndMigrate(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	repo := db.NewRepository(database.DB)
	t.Cleanup(func() {
		repo.Close()
		database.Close()
	})
	return &fixture{repo: repo, q: New(repo)}
}

func (f *fixture) mapping(t *testing.T, localID string) models.UUID {
	t.Helper()
	m := &models.EntityMapping{EntityType: "topic", LocalID: localID, SyncEnabled: true}
	require.NoError(t, f.repo.CreateMapping(context.Background(), m))
	return m.ID
}

func (f *fixture) enqueue(t *testing.T, mappingID models.UUID, dir models.Direction, payload models.Payload) *models.SyncQueueItem {
	t.Helper()
	item, created, err := f.q.Enqueue(context.Background(), EnqueueRequest{
		MappingID: mappingID,
		Direction: dir,
		Operation: models.OperationUpdate,
		Payload:   payload,
	})
	require.NoError(t, err)
	require.True(t, created)
	return item
}

func TestEnqueue_Defaults(t *testing.T) {
	f := newFixture(t)
	item := f.enqueue(t, f.mapping(t, "t1"), models.DirectionCMSToForum, models.Payload{"title": "a"})

	assert.NotEmpty(t, item.ID)
	assert.Equal(t, models.QueueStatusPending, item.Status)
	assert.Equal(t, 0, item.AttemptCount)
	assert.Equal(t, models.DefaultMaxAttempts, item.MaxAttempts)
	assert.NotEmpty(t, item.DedupKey)
}

func TestEnqueue_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.mapping(t, "t1")

	_, _, err := f.q.Enqueue(ctx, EnqueueRequest{Direction: models.DirectionCMSToForum, Operation: models.OperationCreate})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	_, _, err = f.q.Enqueue(ctx, EnqueueRequest{MappingID: id, Direction: "sideways", Operation: models.OperationCreate})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	_, _, err = f.q.Enqueue(ctx, EnqueueRequest{MappingID: id, Direction: models.DirectionCMSToForum, Operation: "upsert"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestEnqueue_DeduplicatesOpenItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.mapping(t, "t1")
	first := f.enqueue(t, id, models.DirectionCMSToForum, models.Payload{"title": "a"})

	again, created, err := f.q.Enqueue(ctx, EnqueueRequest{
		MappingID: id, Direction: models.DirectionCMSToForum, Operation: models.OperationUpdate,
		Payload: models.Payload{"title": "a"},
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	// Different payload is a new change.
	f.enqueue(t, id, models.DirectionCMSToForum, models.Payload{"title": "b"})

	// Once completed, the same change may be queued again.
	require.NoError(t, f.q.MarkProcessing(ctx, first.ID))
	require.NoError(t, f.q.MarkCompleted(ctx, first.ID))
	_, created, err = f.q.Enqueue(ctx, EnqueueRequest{
		MappingID: id, Direction: models.DirectionCMSToForum, Operation: models.OperationUpdate,
		Payload: models.Payload{"title": "a"},
	})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestDequeueProcessComplete_KeepsAttemptCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.enqueue(t, f.mapping(t, "t1"), models.DirectionCMSToForum, models.Payload{"n": 1})

	items, err := f.q.DequeuePending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, item.ID, items[0].ID)

	require.NoError(t, f.q.MarkProcessing(ctx, item.ID))
	require.NoError(t, f.q.MarkCompleted(ctx, item.ID))

	got, err := f.q.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusCompleted, got.Status)
	assert.Equal(t, 0, got.AttemptCount)

	items, err = f.q.DequeuePending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, items)

	err = f.q.MarkCompleted(ctx, item.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidTransition))
}

func TestDequeuePending_FIFOWithinDirection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var want []models.UUID
	for i := 0; i < 3; i++ {
		id := f.mapping(t, "t"+string(rune('a'+i)))
		want = append(want, f.enqueue(t, id, models.DirectionCMSToForum, models.Payload{"i": i}).ID)
	}

	items, err := f.q.DequeuePending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 3)
	for i, it := range items {
		assert.Equal(t, want[i], it.ID)
	}

	limited, err := f.q.DequeuePending(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestAtMostOneProcessingPerMapping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.mapping(t, "t1")
	a := f.enqueue(t, id, models.DirectionCMSToForum, models.Payload{"v": 1})
	b := f.enqueue(t, id, models.DirectionForumToCMS, models.Payload{"v": 2})

	require.NoError(t, f.q.MarkProcessing(ctx, a.ID))
	err := f.q.MarkProcessing(ctx, b.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidTransition))

	items, err := f.q.DequeuePending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, items, "never hands out items of a mapping being processed")

	items, err = f.q.ListByStatus(ctx, models.QueueStatusProcessing, 10)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestMarkFailed_RetriesUntilExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.enqueue(t, f.mapping(t, "t1"), models.DirectionCMSToForum, models.Payload{"v": 1})
	cause := apperrors.New(apperrors.ErrTransientRemote, "503 Service Unavailable")

	for attempt := 1; attempt <= models.DefaultMaxAttempts; attempt++ {
		require.NoError(t, f.q.MarkProcessing(ctx, item.ID))
		updated, err := f.q.MarkFailed(ctx, item.ID, cause)
		require.NoError(t, err)
		assert.Equal(t, attempt, updated.AttemptCount)
		if attempt < models.DefaultMaxAttempts {
			assert.Equal(t, models.QueueStatusPending, updated.Status)
		} else {
			assert.Equal(t, models.QueueStatusFailed, updated.Status)
			assert.Contains(t, updated.ErrorMessage, "503")
		}
	}

	items, err := f.q.DequeuePending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, items)

	_, err = f.q.MarkFailed(ctx, item.ID, cause)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidTransition))
}

func TestMarkPermanentFailure_FailsImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.enqueue(t, f.mapping(t, "t1"), models.DirectionCMSToForum, models.Payload{"v": 1})

	require.NoError(t, f.q.MarkProcessing(ctx, item.ID))
	updated, err := f.q.MarkPermanentFailure(ctx, item.ID, errors.New("400 Bad Request"))
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusFailed, updated.Status)
	assert.Equal(t, 1, updated.AttemptCount)
}

func TestRequeue_OnlyFailedItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.enqueue(t, f.mapping(t, "t1"), models.DirectionCMSToForum, models.Payload{"v": 1})

	err := f.q.Requeue(ctx, item.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidTransition))

	require.NoError(t, f.q.MarkProcessing(ctx, item.ID))
	_, err = f.q.MarkPermanentFailure(ctx, item.ID, errors.New("bad"))
	require.NoError(t, err)

	require.NoError(t, f.q.Requeue(ctx, item.ID))
	got, err := f.q.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, got.Status)
	assert.Equal(t, 0, got.AttemptCount)

	err = f.q.Requeue(ctx, "missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestIncrementAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item, _, err := f.q.Enqueue(ctx, EnqueueRequest{
		MappingID: f.mapping(t, "t1"), Direction: models.DirectionCMSToForum,
		Operation: models.OperationCreate, MaxAttempts: 1,
	})
	require.NoError(t, err)

	require.NoError(t, f.q.IncrementAttempt(ctx, item.ID))
	got, err := f.q.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusFailed, got.Status, "an exhausted item does not linger as pending")
	assert.Equal(t, 1, got.AttemptCount)

	err = f.q.IncrementAttempt(ctx, item.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidTransition))

	require.NoError(t, f.q.Requeue(ctx, item.ID))
	items, err := f.q.DequeuePending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, item.ID, items[0].ID)
}

func TestSupersedePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.mapping(t, "t1")
	item := f.enqueue(t, id, models.DirectionCMSToForum, models.Payload{"v": 1})

	n, err := f.q.SupersedePending(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := f.q.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusFailed, got.Status)
	assert.Equal(t, SupersededMessage, got.ErrorMessage)
}

func TestScopedDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.mapping(t, "t1")

	item, _, err := f.q.Enqueue(ctx, EnqueueRequest{
		MappingID: id, Direction: models.DirectionForumToCMS, Operation: models.OperationUpdate,
		Payload: models.Payload{"v": 1}, ScopeID: "peer",
	})
	require.NoError(t, err)

	workerItems, err := f.q.DequeuePending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, workerItems)

	items, err := f.q.PendingForScope(ctx, "peer", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NoError(t, f.q.MarkDelivered(ctx, items))

	none, err := f.q.Delivered(ctx, "peer", 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	delivered, err := f.q.Delivered(ctx, "peer", item.Seq)
	require.NoError(t, err)
	require.Len(t, delivered, 1)
	assert.Equal(t, item.ID, delivered[0].ID)
	assert.NotNil(t, delivered[0].LastAttemptAt)
	assert.Equal(t, models.QueueStatusPending, delivered[0].Status, "delivery alone does not complete an item")
}

func TestDequeueBlocking_WakesOnEnqueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.mapping(t, "t1")

	done := make(chan []*models.SyncQueueItem, 1)
	go func() {
		items, _ := f.q.DequeueBlocking(ctx, 10, 5*time.Second)
		done <- items
	}()

	time.Sleep(50 * time.Millisecond)
	f.enqueue(t, id, models.DirectionCMSToForum, models.Payload{"v": 1})

	select {
	case items := <-done:
		assert.Len(t, items, 1)
	case <-time.After(3 * time.Second):
		t.Fatal("DequeueBlocking did not wake up")
	}
}

func TestWithRepo_WakeWaitsForCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.mapping(t, "t1")

	err := f.repo.WithTx(ctx, func(tx db.Store) error {
		_, _, err := f.q.WithRepo(tx).Enqueue(ctx, EnqueueRequest{
			MappingID: id, Direction: models.DirectionCMSToForum,
			Operation: models.OperationUpdate, Payload: models.Payload{"v": 1},
		})
		require.NoError(t, err)
		return errors.New("roll back")
	})
	require.Error(t, err)
	assert.Len(t, f.q.notEmpty, 0, "a rolled back enqueue wakes nobody")

	require.NoError(t, f.repo.WithTx(ctx, func(tx db.Store) error {
		_, _, err := f.q.WithRepo(tx).Enqueue(ctx, EnqueueRequest{
			MappingID: id, Direction: models.DirectionCMSToForum,
			Operation: models.OperationUpdate, Payload: models.Payload{"v": 2},
		})
		return err
	}))
	assert.Len(t, f.q.notEmpty, 0)

	f.q.Wake()
	assert.Len(t, f.q.notEmpty, 1)
	items, err := f.q.DequeueBlocking(ctx, 10, time.Second)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestSupersedeConverged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.mapping(t, "t1")
	item := f.enqueue(t, id, models.DirectionForumToCMS, models.Payload{"v": 1})

	n, err := f.q.SupersedeConverged(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := f.q.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusFailed, got.Status)
	assert.Equal(t, ConvergedMessage, got.ErrorMessage)
}

func TestDequeueBlocking_TimesOut(t *testing.T) {
	f := newFixture(t)
	items, err := f.q.DequeueBlocking(context.Background(), 10, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, items)
}
