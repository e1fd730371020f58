package sync

import (
	"context"
	"fmt"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/bridgesync/internal/db"
	apperrors "github.com/kimhsiao/bridgesync/internal/errors"
	"github.com/kimhsiao/bridgesync/internal/models"
	"github.com/kimhsiao/bridgesync/internal/sync/conflict"
	"github.com/kimhsiao/bridgesync/internal/sync/queue"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu     gosync.Mutex
	events []SyncEvent
}

func (r *recorder) OnSyncEvent(event SyncEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) types() []SyncEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SyncEventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *db.Repository) {
	t.Helper()
	ctx := context.Background()
	database, err := db.OpenAndMigrate(ctx, filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	repo := db.NewRepository(database.DB)
	return NewEngine(repo, queue.New(repo), cfg), repo
}

// syncedMapping creates a mapping linked on both sides and synced at t0.
func syncedMapping(t *testing.T, repo *db.Repository, cmsID, forumID string) *models.EntityMapping {
	t.Helper()
	ctx := context.Background()
	m := &models.EntityMapping{
		EntityType:    "topic",
		LocalID:       "local-" + cmsID,
		RemoteIDCMS:   &cmsID,
		RemoteIDForum: &forumID,
		SyncEnabled:   true,
	}
	require.NoError(t, repo.CreateMapping(ctx, m))
	_, err := repo.AdvanceRemoteUpdate(ctx, m.ID, models.SideCMS, t0, "h0")
	require.NoError(t, err)
	_, err = repo.AdvanceRemoteUpdate(ctx, m.ID, models.SideForum, t0, "h0")
	require.NoError(t, err)
	require.NoError(t, repo.SetLastSynced(ctx, m.ID, t0))
	return m
}

func update(side models.Side, remoteID string, at time.Time, payload models.Payload) Observation {
	return Observation{
		EntityType: "topic",
		Side:       side,
		RemoteID:   remoteID,
		Operation:  models.OperationUpdate,
		Payload:    payload,
		UpdatedAt:  at,
	}
}

func TestObserveChange_OneSidedUpdatePropagates(t *testing.T) {
	ctx := context.Background()
	engine, repo := newTestEngine(t, Config{})
	m := syncedMapping(t, repo, "c1", "f1")

	res, err := engine.ObserveChange(ctx, update(models.SideCMS, "c1", t0.Add(time.Minute), models.Payload{"title": "edited"}))
	require.NoError(t, err)
	assert.Equal(t, conflict.OutcomePropagate, res.Outcome)
	assert.Nil(t, res.Conflict)
	require.True(t, res.Enqueued)

	pending, err := repo.ListPendingQueueItems(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, m.ID, pending[0].MappingID)
	assert.Equal(t, models.DirectionCMSToForum, pending[0].Direction)
	assert.Equal(t, models.OperationUpdate, pending[0].Operation)

	conflicts, err := repo.ListConflicts(ctx, false, 10)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestObserveChange_BothSidesChangedThenPreferForum(t *testing.T) {
	ctx := context.Background()
	engine, repo := newTestEngine(t, Config{})
	m := syncedMapping(t, repo, "c1", "f1")

	first, err := engine.ObserveChange(ctx, update(models.SideCMS, "c1", t0.Add(time.Minute), models.Payload{"title": "cms"}))
	require.NoError(t, err)
	require.NotNil(t, first.Item)

	res, err := engine.ObserveChange(ctx, update(models.SideForum, "f1", t0.Add(2*time.Minute), models.Payload{"title": "forum"}))
	require.NoError(t, err)
	assert.Equal(t, conflict.OutcomeConflict, res.Outcome)
	require.NotNil(t, res.Conflict)
	assert.Nil(t, res.Item)

	conflicts, err := repo.ListConflicts(ctx, true, 10)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "cms", conflicts[0].CMSSnapshot["title"])
	assert.Equal(t, "forum", conflicts[0].ForumSnapshot["title"])

	superseded, err := repo.GetQueueItem(ctx, first.Item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusFailed, superseded.Status)
	assert.Equal(t, queue.SupersededMessage, superseded.ErrorMessage)

	resolution, err := engine.ResolveConflict(ctx, res.Conflict.ID, models.StrategyPreferForum)
	require.NoError(t, err)
	assert.Equal(t, models.SideForum, resolution.Winner)

	pending, err := repo.ListPendingQueueItems(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, m.ID, pending[0].MappingID)
	assert.Equal(t, models.DirectionForumToCMS, pending[0].Direction)
	assert.Equal(t, models.OperationUpdate, pending[0].Operation)
	assert.Equal(t, "forum", pending[0].Payload["title"])

	stored, err := repo.GetConflict(ctx, res.Conflict.ID)
	require.NoError(t, err)
	require.True(t, stored.Resolved())
	assert.Equal(t, models.SideForum, *stored.Winner)
	assert.Equal(t, models.StrategyPreferForum, *stored.Resolution)

	_, err = engine.ResolveConflict(ctx, res.Conflict.ID, models.StrategyPreferCMS)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidTransition))
}

func TestObserveChange_OneOpenConflictPerMapping(t *testing.T) {
	ctx := context.Background()
	engine, repo := newTestEngine(t, Config{})
	syncedMapping(t, repo, "c1", "f1")

	_, err := engine.ObserveChange(ctx, update(models.SideCMS, "c1", t0.Add(time.Minute), models.Payload{"v": "1"}))
	require.NoError(t, err)
	for i := 2; i < 6; i++ {
		side := models.SideForum
		id := "f1"
		if i%2 == 1 {
			side, id = models.SideCMS, "c1"
		}
		_, err := engine.ObserveChange(ctx, update(side, id, t0.Add(time.Duration(i)*time.Minute), models.Payload{"v": fmt.Sprint(i)}))
		require.NoError(t, err)
	}

	conflicts, err := repo.ListConflicts(ctx, true, 10)
	require.NoError(t, err)
	assert.Len(t, conflicts, 1)
}

func TestObserveChange_FirstSightingCreatesMapping(t *testing.T) {
	ctx := context.Background()
	engine, repo := newTestEngine(t, Config{})

	obs := Observation{
		EntityType: "topic",
		Side:       models.SideForum,
		RemoteID:   "X",
		Operation:  models.OperationCreate,
		Payload:    models.Payload{"title": "hello"},
		UpdatedAt:  t0,
	}
	res, err := engine.ObserveChange(ctx, obs)
	require.NoError(t, err)
	assert.Equal(t, conflict.OutcomeFirstSync, res.Outcome)
	assert.Equal(t, "forum:X", res.Mapping.LocalID)
	assert.Equal(t, "X", res.Mapping.RemoteID(models.SideForum))
	require.NotNil(t, res.Item)
	assert.Equal(t, models.OperationCreate, res.Item.Operation)
	assert.Equal(t, models.DirectionForumToCMS, res.Item.Direction)

	rec, err := repo.GetEntity(ctx, "topic", "forum:X")
	require.NoError(t, err)
	assert.Equal(t, "hello", rec.Payload["title"])

	again, err := engine.ObserveChange(ctx, obs)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, res.Mapping.ID, again.Mapping.ID)

	mappings, err := repo.ListMappings(ctx, db.MappingFilter{})
	require.NoError(t, err)
	assert.Len(t, mappings, 1)
	pending, err := repo.ListPendingQueueItems(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestObserveChange_StaleUpdateIgnored(t *testing.T) {
	ctx := context.Background()
	engine, repo := newTestEngine(t, Config{})
	syncedMapping(t, repo, "c1", "f1")

	res, err := engine.ObserveChange(ctx, update(models.SideCMS, "c1", t0.Add(-time.Hour), models.Payload{"title": "old"}))
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.Nil(t, res.Item)

	stats, err := repo.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
}

func TestObserveChange_SyncDisabled(t *testing.T) {
	ctx := context.Background()
	engine, repo := newTestEngine(t, Config{})
	m := syncedMapping(t, repo, "c1", "f1")
	require.NoError(t, repo.SetSyncEnabled(ctx, m.ID, false))

	_, err := engine.ObserveChange(ctx, update(models.SideCMS, "c1", t0.Add(time.Minute), nil))
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncDisabled))
}

func TestObserveChange_Validation(t *testing.T) {
	engine, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	tests := []struct {
		name string
		obs  Observation
	}{
		{"no type", Observation{Side: models.SideCMS, RemoteID: "1", Operation: models.OperationUpdate}},
		{"bad side", Observation{EntityType: "topic", Side: "wiki", RemoteID: "1", Operation: models.OperationUpdate}},
		{"bad op", Observation{EntityType: "topic", Side: models.SideCMS, RemoteID: "1", Operation: "upsert"}},
		{"no ids", Observation{EntityType: "topic", Side: models.SideCMS, Operation: models.OperationUpdate}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.ObserveChange(ctx, tt.obs)
			assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
		})
	}
}

func TestObserveChange_DeleteTowardUnlinkedSideIsNotPushed(t *testing.T) {
	ctx := context.Background()
	engine, repo := newTestEngine(t, Config{})

	_, err := engine.ObserveChange(ctx, Observation{
		EntityType: "topic", Side: models.SideForum, RemoteID: "9",
		Operation: models.OperationDelete, UpdatedAt: t0,
	})
	require.NoError(t, err)

	stats, err := repo.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
}

func TestObserveChange_DeletePropagates(t *testing.T) {
	ctx := context.Background()
	engine, repo := newTestEngine(t, Config{})
	syncedMapping(t, repo, "c1", "f1")

	obs := update(models.SideForum, "f1", t0.Add(time.Minute), nil)
	obs.Operation = models.OperationDelete
	res, err := engine.ObserveChange(ctx, obs)
	require.NoError(t, err)
	require.NotNil(t, res.Item)
	assert.Equal(t, models.OperationDelete, res.Item.Operation)
	assert.Equal(t, models.DirectionForumToCMS, res.Item.Direction)
}

func TestObserveChange_ConvergedEditsMarkSynced(t *testing.T) {
	ctx := context.Background()
	engine, repo := newTestEngine(t, Config{})
	m := syncedMapping(t, repo, "c1", "f1")
	payload := models.Payload{"title": "same"}

	_, err := engine.ObserveChange(ctx, update(models.SideCMS, "c1", t0.Add(time.Minute), payload))
	require.NoError(t, err)
	res, err := engine.ObserveChange(ctx, update(models.SideForum, "f1", t0.Add(2*time.Minute), payload))
	require.NoError(t, err)
	assert.Equal(t, conflict.OutcomeConverged, res.Outcome)

	got, err := repo.GetMapping(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastSyncedAt)
	assert.False(t, got.LastSyncedAt.Before(t0.Add(2*time.Minute)))
}

func TestObserveChange_AutoResolve(t *testing.T) {
	ctx := context.Background()
	engine, repo := newTestEngine(t, Config{AutoResolve: true, DefaultStrategy: models.StrategyPreferCMS})
	rec := &recorder{}
	engine.SetEventHandler(rec)
	syncedMapping(t, repo, "c1", "f1")

	_, err := engine.ObserveChange(ctx, update(models.SideForum, "f1", t0.Add(time.Minute), models.Payload{"title": "forum"}))
	require.NoError(t, err)
	res, err := engine.ObserveChange(ctx, update(models.SideCMS, "c1", t0.Add(2*time.Minute), models.Payload{"title": "cms"}))
	require.NoError(t, err)
	require.NotNil(t, res.Resolution)
	assert.Equal(t, models.SideCMS, res.Resolution.Winner)

	open, err := repo.ListConflicts(ctx, true, 10)
	require.NoError(t, err)
	assert.Empty(t, open)

	pending, err := repo.ListPendingQueueItems(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.DirectionCMSToForum, pending[0].Direction)
	assert.Equal(t, "cms", pending[0].Payload["title"])

	assert.Contains(t, rec.types(), SyncEventConflictDetected)
	assert.Contains(t, rec.types(), SyncEventConflictResolved)
}

func TestObserveChange_PeerScope(t *testing.T) {
	ctx := context.Background()
	engine, repo := newTestEngine(t, Config{Peers: map[models.Side]string{models.SideForum: "user-42"}})
	syncedMapping(t, repo, "c1", "f1")

	res, err := engine.ObserveChange(ctx, update(models.SideCMS, "c1", t0.Add(time.Minute), models.Payload{"a": 1}))
	require.NoError(t, err)
	require.NotNil(t, res.Item)
	assert.Equal(t, "user-42", res.Item.ScopeID)

	worker, err := repo.ListPendingQueueItems(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, worker)
	scoped, err := repo.ListScopedPendingQueueItems(ctx, "user-42", 10)
	require.NoError(t, err)
	assert.Len(t, scoped, 1)
}

func TestResolveAll(t *testing.T) {
	ctx := context.Background()
	engine, repo := newTestEngine(t, Config{})
	for _, ids := range [][2]string{{"c1", "f1"}, {"c2", "f2"}} {
		syncedMapping(t, repo, ids[0], ids[1])
		_, err := engine.ObserveChange(ctx, update(models.SideCMS, ids[0], t0.Add(time.Minute), models.Payload{"x": "c"}))
		require.NoError(t, err)
		_, err = engine.ObserveChange(ctx, update(models.SideForum, ids[1], t0.Add(time.Minute), models.Payload{"x": "f"}))
		require.NoError(t, err)
	}

	resolved, err := engine.ResolveAll(ctx, "")
	require.NoError(t, err)
	require.Len(t, resolved, 2)
	for _, r := range resolved {
		assert.Equal(t, models.SideCMS, r.Winner, "exact tie goes to the CMS")
	}
}

func TestCompletePush(t *testing.T) {
	ctx := context.Background()
	engine, repo := newTestEngine(t, Config{})
	rec := &recorder{}
	engine.SetEventHandler(rec)

	res, err := engine.ObserveChange(ctx, Observation{
		EntityType: "topic", Side: models.SideForum, RemoteID: "f9",
		Operation: models.OperationCreate, Payload: models.Payload{"title": "t"}, UpdatedAt: t0,
	})
	require.NoError(t, err)
	require.NoError(t, engine.Queue().MarkProcessing(ctx, res.Item.ID))

	pushedAt := t0.Add(5 * time.Second)
	require.NoError(t, engine.CompletePush(ctx, res.Item, PushResult{RemoteID: "c9", UpdatedAt: pushedAt}))

	item, err := repo.GetQueueItem(ctx, res.Item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusCompleted, item.Status)

	m, err := repo.GetMapping(ctx, res.Mapping.ID)
	require.NoError(t, err)
	assert.Equal(t, "c9", m.RemoteID(models.SideCMS))
	require.NotNil(t, m.CMSUpdatedAt)
	assert.True(t, m.CMSUpdatedAt.Equal(pushedAt))
	require.NotNil(t, m.LastSyncedAt)
	assert.False(t, m.LastSyncedAt.Before(pushedAt))

	// A later echo of the pushed content is not a change.
	echo, err := engine.ObserveChange(ctx, update(models.SideCMS, "c9", pushedAt, models.Payload{"title": "t"}))
	require.NoError(t, err)
	assert.True(t, echo.Stale)

	assert.Contains(t, rec.types(), SyncEventItemCompleted)
}

func TestObserveChange_ConcurrentCreatesShareOneMapping(t *testing.T) {
	ctx := context.Background()
	engine, repo := newTestEngine(t, Config{})

	var wg gosync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.ObserveChange(ctx, Observation{
				EntityType: "topic", Side: models.SideForum, RemoteID: "X",
				Operation: models.OperationCreate, Payload: models.Payload{"title": "x"}, UpdatedAt: t0,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	mappings, err := repo.ListMappings(ctx, db.MappingFilter{})
	require.NoError(t, err)
	assert.Len(t, mappings, 1)
	assert.Equal(t, 0, engine.locks.size())
}

func TestEmit_NilHandler(t *testing.T) {
	engine, _ := newTestEngine(t, Config{})
	assert.NotPanics(t, func() { engine.Emit(SyncEvent{Type: SyncEventItemFailed}) })

	var got SyncEvent
	engine.SetEventHandler(SyncEventHandlerFunc(func(e SyncEvent) { got = e }))
	engine.Emit(SyncEvent{Type: SyncEventItemFailed})
	assert.Equal(t, SyncEventItemFailed, got.Type)
	assert.False(t, got.Timestamp.IsZero())
}

func TestObserveChange_TargetAlreadyHoldsContent(t *testing.T) {
	ctx := context.Background()
	engine, repo := newTestEngine(t, Config{})
	content := models.Payload{"title": "same"}

	cms, forum := "c1", "f1"
	m := &models.EntityMapping{EntityType: "topic", LocalID: "l1", RemoteIDCMS: &cms, RemoteIDForum: &forum, SyncEnabled: true}
	require.NoError(t, repo.CreateMapping(ctx, m))
	_, err := repo.AdvanceRemoteUpdate(ctx, m.ID, models.SideCMS, t0, "h0")
	require.NoError(t, err)
	_, err = repo.AdvanceRemoteUpdate(ctx, m.ID, models.SideForum, t0, content.Hash())
	require.NoError(t, err)
	require.NoError(t, repo.SetLastSynced(ctx, m.ID, t0))

	older, _, err := engine.Queue().Enqueue(ctx, queue.EnqueueRequest{
		MappingID: m.ID, Direction: models.DirectionCMSToForum,
		Operation: models.OperationUpdate, Payload: models.Payload{"title": "older"},
	})
	require.NoError(t, err)

	res, err := engine.ObserveChange(ctx, update(models.SideCMS, "c1", t0.Add(time.Minute), content))
	require.NoError(t, err)
	assert.Equal(t, conflict.OutcomePropagate, res.Outcome)
	assert.Nil(t, res.Item, "nothing to push")
	assert.False(t, res.Enqueued)
	require.NotNil(t, res.Mapping.LastSyncedAt)
	assert.True(t, res.Mapping.LastSyncedAt.Equal(t0.Add(time.Minute)))

	dropped, err := repo.GetQueueItem(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusFailed, dropped.Status)
	assert.Equal(t, queue.ConvergedMessage, dropped.ErrorMessage)
}

func TestObserveChange_WakesWaitingWorkerAfterCommit(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, Config{})

	done := make(chan []*models.SyncQueueItem, 1)
	go func() {
		items, _ := engine.Queue().DequeueBlocking(ctx, 10, 5*time.Second)
		done <- items
	}()
	time.Sleep(50 * time.Millisecond)

	_, err := engine.ObserveChange(ctx, Observation{
		EntityType: "topic", Side: models.SideForum, RemoteID: "f1",
		Operation: models.OperationCreate, Payload: models.Payload{"title": "t"}, UpdatedAt: t0,
	})
	require.NoError(t, err)

	select {
	case items := <-done:
		require.Len(t, items, 1)
		assert.Equal(t, models.DirectionForumToCMS, items[0].Direction)
	case <-time.After(3 * time.Second):
		t.Fatal("worker was not woken by the committed change")
	}
}

func TestAckDelivered(t *testing.T) {
	ctx := context.Background()
	engine, repo := newTestEngine(t, Config{Peers: map[models.Side]string{models.SideForum: "user-42"}})
	rec := &recorder{}
	engine.SetEventHandler(rec)
	content := models.Payload{"title": "t"}

	res, err := engine.ObserveChange(ctx, Observation{
		EntityType: "topic", Side: models.SideCMS, RemoteID: "c1",
		Operation: models.OperationCreate, Payload: content, UpdatedAt: t0,
	})
	require.NoError(t, err)

	n, err := engine.AckDelivered(ctx, "user-42", res.Item.Seq)
	require.NoError(t, err)
	assert.Zero(t, n, "undelivered items are not acknowledged")

	items, err := engine.Queue().PendingForScope(ctx, "user-42", 10)
	require.NoError(t, err)
	require.NoError(t, engine.Queue().MarkDelivered(ctx, items))

	n, err = engine.AckDelivered(ctx, "user-42", res.Item.Seq)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	item, err := repo.GetQueueItem(ctx, res.Item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusCompleted, item.Status)

	m, err := repo.GetMapping(ctx, res.Mapping.ID)
	require.NoError(t, err)
	require.NotNil(t, m.ForumUpdatedAt)
	assert.True(t, m.ForumUpdatedAt.Equal(t0))
	assert.Equal(t, content.Hash(), m.ForumContentHash)
	require.NotNil(t, m.LastSyncedAt)
	assert.True(t, m.LastSyncedAt.Equal(t0))

	snap, err := engine.Mappings().Snapshot(ctx, m.ID, models.SideForum)
	require.NoError(t, err)
	assert.Equal(t, "t", snap["title"])

	assert.Contains(t, rec.types(), SyncEventItemCompleted)
}
