package sync

import (
	"context"
	"strings"
	gosync "sync"
	"time"

	"github.com/kimhsiao/bridgesync/internal/db"
	apperrors "github.com/kimhsiao/bridgesync/internal/errors"
	"github.com/kimhsiao/bridgesync/internal/logging"
	"github.com/kimhsiao/bridgesync/internal/models"
	"github.com/kimhsiao/bridgesync/internal/sync/conflict"
	"github.com/kimhsiao/bridgesync/internal/sync/mapping"
	"github.com/kimhsiao/bridgesync/internal/sync/queue"
)

// Config controls the engine.
type Config struct {
	// MaxAttempts is the retry budget of enqueued items.
	MaxAttempts int
	// DefaultStrategy is used by ResolveConflict without an explicit strategy
	// and by auto resolution.
	DefaultStrategy models.ConflictStrategy
	// AutoResolve resolves conflicts as soon as they are detected.
	AutoResolve bool
	// Peers routes items targeting a side to a batch peer scope instead of
	// the worker.
	Peers map[models.Side]string
}

// Observation is a change seen on one platform.
type Observation struct {
	EntityType string
	// LocalID is optional when RemoteID is set; new mappings then use
	// "<side>:<remote id>".
	LocalID   string
	Side      models.Side
	RemoteID  string
	Operation models.Operation
	Payload   models.Payload
	UpdatedAt time.Time
}

// ChangeResult reports what ObserveChange did.
type ChangeResult struct {
	Mapping *models.EntityMapping
	Outcome conflict.Outcome
	// Duplicate is set for a Create of an already known remote entity.
	Duplicate bool
	// Stale is set when the observation is not newer than the recorded one.
	Stale      bool
	Item       *models.SyncQueueItem
	Enqueued   bool
	Conflict   *models.SyncConflict
	Resolution *conflict.Resolution
}

// PushResult is what a platform returned for a pushed item.
type PushResult struct {
	RemoteID  string
	UpdatedAt time.Time
}

// Engine records observed changes and turns them into queue items or
// conflicts. All state changes of one call happen in one transaction.
type Engine struct {
	store    db.Store
	mappings *mapping.Store
	queue    *queue.Queue
	resolver *conflict.Resolver
	cfg      Config
	locks    *keyedMutex
	now      func() time.Time

	mu      gosync.RWMutex
	handler SyncEventHandler
}

// NewEngine creates an Engine. q is shared with the worker so that enqueues
// wake it up.
func NewEngine(store db.Store, q *queue.Queue, cfg Config) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = models.DefaultMaxAttempts
	}
	return &Engine{
		store:    store,
		mappings: mapping.NewStore(store),
		queue:    q,
		resolver: conflict.NewResolver(cfg.DefaultStrategy),
		cfg:      cfg,
		locks:    newKeyedMutex(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetEventHandler sets the handler for sync notifications. nil disables them.
func (e *Engine) SetEventHandler(handler SyncEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

// Emit delivers event to the registered handler, if any.
func (e *Engine) Emit(event SyncEvent) {
	e.mu.RLock()
	h := e.handler
	e.mu.RUnlock()
	if h == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = e.now()
	}
	h.OnSyncEvent(event)
}

// Mappings returns the mapping store.
func (e *Engine) Mappings() *mapping.Store { return e.mappings }

// Queue returns the sync queue.
func (e *Engine) Queue() *queue.Queue { return e.queue }

// ScopeFor returns the peer scope receiving items that target side, or "".
func (e *Engine) ScopeFor(target models.Side) string {
	return e.cfg.Peers[target]
}

func (o *Observation) validate() error {
	if strings.TrimSpace(o.EntityType) == "" {
		return apperrors.New(apperrors.ErrInvalid, "entity type is required")
	}
	if !o.Side.Valid() {
		return apperrors.Newf(apperrors.ErrInvalid, "invalid side %q", o.Side)
	}
	if _, err := models.ParseOperation(string(o.Operation)); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid operation", err)
	}
	if o.RemoteID == "" && o.LocalID == "" {
		return apperrors.New(apperrors.ErrInvalid, "remote id or local id is required")
	}
	return nil
}

func (o *Observation) lockKey() string {
	if o.RemoteID != "" {
		return o.EntityType + "|" + string(o.Side) + "|" + o.RemoteID
	}
	return o.EntityType + "|local|" + o.LocalID
}

// ObserveChange records obs and decides what it means. A first observation
// or a change on one side only is propagated to the other side; changes on
// both sides since the last sync raise a conflict and drop the pending
// propagation of that mapping.
func (e *Engine) ObserveChange(ctx context.Context, obs Observation) (*ChangeResult, error) {
	if err := obs.validate(); err != nil {
		return nil, err
	}
	if obs.UpdatedAt.IsZero() {
		obs.UpdatedAt = e.now()
	}
	obs.UpdatedAt = obs.UpdatedAt.UTC()
	if obs.Payload == nil {
		obs.Payload = models.Payload{}
	}

	unlock := e.locks.Lock(obs.lockKey())
	defer unlock()

	var res *ChangeResult
	err := e.store.WithTx(ctx, func(tx db.Store) error {
		var err error
		res, err = e.observe(ctx, tx, obs)
		return err
	})
	if err != nil {
		return nil, err
	}
	if (res.Enqueued && res.Item.ScopeID == "") || res.Resolution != nil {
		e.queue.Wake()
	}
	e.emitChange(res)
	return res, nil
}

func (e *Engine) observe(ctx context.Context, tx db.Store, obs Observation) (*ChangeResult, error) {
	ms := e.mappings.WithRepo(tx)

	m, existed, err := e.resolveMapping(ctx, ms, obs)
	if err != nil {
		return nil, err
	}
	res := &ChangeResult{Mapping: m}

	if existed && obs.Operation == models.OperationCreate && obs.RemoteID != "" &&
		m.RemoteID(obs.Side) == obs.RemoteID {
		res.Duplicate = true
		return res, nil
	}
	if !m.SyncEnabled {
		return nil, apperrors.Newf(apperrors.ErrSyncDisabled, "sync is disabled for mapping %s", m.ID)
	}

	hash := obs.Payload.Hash()
	detection := conflict.Detect(m, conflict.Observation{Side: obs.Side, UpdatedAt: obs.UpdatedAt, ContentHash: hash})
	res.Outcome = detection.Outcome

	advanced, err := ms.RecordRemoteUpdate(ctx, m.ID, obs.Side, obs.UpdatedAt, hash)
	if err != nil {
		return nil, err
	}
	if !advanced {
		res.Stale = true
		res.Outcome = conflict.OutcomeStale
		return res, nil
	}
	if err := ms.SaveSnapshot(ctx, m.ID, obs.Side, obs.Payload, obs.UpdatedAt); err != nil {
		return nil, err
	}

	switch detection.Outcome {
	case conflict.OutcomeConflict:
		if err := e.raiseConflict(ctx, tx, res, obs, detection); err != nil {
			return nil, err
		}
	case conflict.OutcomeFirstSync, conflict.OutcomePropagate:
		if err := e.applyCanonical(ctx, tx, m, obs); err != nil {
			return nil, err
		}
		if err := e.propagate(ctx, tx, res, m, obs.Side, obs.Operation, obs.Payload); err != nil {
			return nil, err
		}
	case conflict.OutcomeConverged:
		if err := e.applyCanonical(ctx, tx, m, obs); err != nil {
			return nil, err
		}
		if err := ms.MarkSynced(ctx, m.ID, latest(e.now(), detection.CMSUpdatedAt, detection.ForumUpdatedAt)); err != nil {
			return nil, err
		}
	}

	if res.Mapping, err = ms.Get(ctx, m.ID); err != nil {
		return nil, err
	}
	return res, nil
}

// resolveMapping finds the mapping an observation refers to, creating it
// when the entity was never seen. existed reports whether it was found.
func (e *Engine) resolveMapping(ctx context.Context, ms *mapping.Store, obs Observation) (*models.EntityMapping, bool, error) {
	if obs.RemoteID != "" {
		m, err := ms.GetByRemote(ctx, obs.EntityType, obs.Side, obs.RemoteID)
		if err == nil {
			return m, true, nil
		}
		if !apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, false, err
		}
		if obs.LocalID == "" {
			obs.LocalID = string(obs.Side) + ":" + obs.RemoteID
		}
		m, err = ms.CreateWithRemote(ctx, obs.EntityType, obs.LocalID, obs.Side, obs.RemoteID)
		return m, false, err
	}

	m, err := ms.GetByLocal(ctx, obs.EntityType, obs.LocalID)
	if err == nil {
		return m, true, nil
	}
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		return nil, false, err
	}
	m, err = ms.Create(ctx, obs.EntityType, obs.LocalID)
	return m, false, err
}

func (e *Engine) applyCanonical(ctx context.Context, tx db.Store, m *models.EntityMapping, obs Observation) error {
	if obs.Operation == models.OperationDelete {
		err := tx.MarkEntityDeleted(ctx, m.EntityType, m.LocalID, obs.UpdatedAt)
		if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
			return err
		}
		return nil
	}
	return tx.UpsertEntity(ctx, &models.EntityRecord{
		EntityType: m.EntityType,
		LocalID:    m.LocalID,
		Payload:    obs.Payload,
		UpdatedAt:  obs.UpdatedAt,
	})
}

// propagate enqueues the push of payload from source to the other side. A
// Delete toward a side that never had the entity needs no push; any other
// operation toward an unlinked side becomes a Create. Content the target
// already holds is not pushed again: the mapping is marked synced instead.
func (e *Engine) propagate(ctx context.Context, tx db.Store, res *ChangeResult, m *models.EntityMapping,
	source models.Side, op models.Operation, payload models.Payload) error {
	target := source.Other()
	if op != models.OperationDelete && m.HasRemote(target) {
		if h := m.ContentHash(target); h != "" && h == payload.Hash() {
			return e.settle(ctx, tx, m.ID, target)
		}
	}

	switch {
	case op == models.OperationDelete && !m.HasRemote(target):
		return nil
	case op != models.OperationDelete && !m.HasRemote(target):
		op = models.OperationCreate
	case op == models.OperationCreate:
		op = models.OperationUpdate
	}

	item, created, err := e.queue.WithRepo(tx).Enqueue(ctx, queue.EnqueueRequest{
		MappingID:   m.ID,
		Direction:   models.DirectionToward(target),
		Operation:   op,
		Payload:     payload,
		MaxAttempts: e.cfg.MaxAttempts,
		ScopeID:     e.ScopeFor(target),
	})
	if err != nil {
		return err
	}
	res.Item = item
	res.Enqueued = created
	return nil
}

// settle marks a mapping whose sides hold the same content as synced and
// drops pushes that would only replay older content.
func (e *Engine) settle(ctx context.Context, tx db.Store, mappingID models.UUID, target models.Side) error {
	ms := e.mappings.WithRepo(tx)
	m, err := ms.Get(ctx, mappingID)
	if err != nil {
		return err
	}
	dropped, err := e.queue.WithRepo(tx).SupersedeConverged(ctx, m.ID)
	if err != nil {
		return err
	}
	logging.Debug("Target already holds the content, nothing to push", map[string]interface{}{
		"mapping_id":    m.ID,
		"target":        target,
		"dropped_items": dropped,
	})
	return ms.MarkSynced(ctx, m.ID, latest(e.now(), m.CMSUpdatedAt, m.ForumUpdatedAt))
}

func (e *Engine) raiseConflict(ctx context.Context, tx db.Store, res *ChangeResult, obs Observation, d conflict.Detection) error {
	m := res.Mapping
	ms := e.mappings.WithRepo(tx)

	if open, err := tx.GetOpenConflictForMapping(ctx, m.ID); err == nil {
		res.Conflict = open
		return nil
	} else if !apperrors.Is(err, apperrors.ErrNotFound) {
		return err
	}

	other, err := ms.Snapshot(ctx, m.ID, obs.Side.Other())
	if err != nil {
		return err
	}
	c := &models.SyncConflict{
		MappingID:      m.ID,
		DetectedAt:     e.now(),
		CMSUpdatedAt:   deref(d.CMSUpdatedAt),
		ForumUpdatedAt: deref(d.ForumUpdatedAt),
	}
	if obs.Side == models.SideCMS {
		c.CMSSnapshot, c.ForumSnapshot = obs.Payload, other
	} else {
		c.CMSSnapshot, c.ForumSnapshot = other, obs.Payload
	}
	if err := tx.InsertConflict(ctx, c); err != nil {
		return err
	}
	res.Conflict = c

	superseded, err := e.queue.WithRepo(tx).SupersedePending(ctx, m.ID)
	if err != nil {
		return err
	}
	logging.Warn("Conflict recorded", map[string]interface{}{
		"conflict_id":      c.ID,
		"mapping_id":       m.ID,
		"cms_updated_at":   c.CMSUpdatedAt,
		"forum_updated_at": c.ForumUpdatedAt,
		"tie_break":        d.Latest,
		"superseded_items": superseded,
	})

	if !e.cfg.AutoResolve {
		return nil
	}
	resolution, err := e.resolve(ctx, tx, c, "")
	if err != nil {
		return err
	}
	res.Resolution = resolution
	return nil
}

// ResolveConflict resolves an open conflict with strategy, or the default
// strategy when empty, and enqueues the winning payload toward the losing
// side.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID models.UUID, strategy models.ConflictStrategy) (*conflict.Resolution, error) {
	var res *conflict.Resolution
	err := e.store.WithTx(ctx, func(tx db.Store) error {
		c, err := tx.GetConflict(ctx, conflictID)
		if err != nil {
			return err
		}
		res, err = e.resolve(ctx, tx, c, strategy)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.queue.Wake()
	e.emitResolution(res)
	return res, nil
}

// ResolveAll resolves every open conflict with strategy. It stops at the
// first failure and returns what was resolved so far.
func (e *Engine) ResolveAll(ctx context.Context, strategy models.ConflictStrategy) ([]*conflict.Resolution, error) {
	open, err := e.store.ListConflicts(ctx, true, 1000)
	if err != nil {
		return nil, err
	}
	out := make([]*conflict.Resolution, 0, len(open))
	for _, c := range open {
		res, err := e.ResolveConflict(ctx, c.ID, strategy)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

func (e *Engine) resolve(ctx context.Context, tx db.Store, c *models.SyncConflict, strategy models.ConflictStrategy) (*conflict.Resolution, error) {
	res, err := e.resolver.Resolve(c, strategy)
	if err != nil {
		return nil, err
	}
	ok, err := tx.MarkConflictResolved(ctx, c.ID, res.Strategy, res.Winner, e.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conflict.ErrAlreadyResolved
	}

	m, err := tx.GetMapping(ctx, c.MappingID)
	if err != nil {
		return nil, err
	}
	if err := tx.UpsertEntity(ctx, &models.EntityRecord{
		EntityType: m.EntityType,
		LocalID:    m.LocalID,
		Payload:    res.Payload,
		UpdatedAt:  e.now(),
	}); err != nil {
		return nil, err
	}

	holder := &ChangeResult{}
	if err := e.propagate(ctx, tx, holder, m, res.Winner, models.OperationUpdate, res.Payload); err != nil {
		return nil, err
	}
	return res, nil
}

// CompletePush records a successful push of item: the item is completed, the
// returned remote id is linked, the target's update time advanced and the
// mapping marked synced. A remote id already linked to another mapping fails
// with DUPLICATE and nothing is recorded.
func (e *Engine) CompletePush(ctx context.Context, item *models.SyncQueueItem, result PushResult) error {
	ts := result.UpdatedAt
	if ts.IsZero() {
		ts = e.now()
	}
	err := e.store.WithTx(ctx, func(tx db.Store) error {
		return e.complete(ctx, tx, item, result.RemoteID, ts.UTC())
	})
	if err != nil {
		return err
	}
	e.emitCompleted(item, map[string]interface{}{"remote_id": result.RemoteID})
	return nil
}

// AckDelivered completes the items a peer confirmed by acknowledging cursor.
// An acknowledged item is recorded on its target side like a push: the peer
// applied it after the source change and after its own previous version, so
// the target's update time moves to the later of the two.
func (e *Engine) AckDelivered(ctx context.Context, scopeID string, cursor int64) (int, error) {
	var acked []*models.SyncQueueItem
	err := e.store.WithTx(ctx, func(tx db.Store) error {
		items, err := e.queue.WithRepo(tx).Delivered(ctx, scopeID, cursor)
		if err != nil {
			return err
		}
		ms := e.mappings.WithRepo(tx)
		for _, item := range items {
			m, err := ms.Get(ctx, item.MappingID)
			if err != nil {
				return err
			}
			if err := e.complete(ctx, tx, item, "", e.appliedAt(m, item)); err != nil {
				return err
			}
		}
		acked = items
		return nil
	})
	if err != nil {
		return 0, err
	}

	if len(acked) > 0 {
		logging.Info("Peer acknowledged sync operations", map[string]interface{}{
			"scope_id": scopeID,
			"cursor":   cursor,
			"count":    len(acked),
		})
	}
	for _, item := range acked {
		e.emitCompleted(item, map[string]interface{}{"acked_by": scopeID})
	}
	return len(acked), nil
}

// appliedAt is the update time recorded for content a peer acknowledged.
func (e *Engine) appliedAt(m *models.EntityMapping, item *models.SyncQueueItem) time.Time {
	source, target := item.Direction.Source(), item.Direction.Target()
	var ts time.Time
	if at := m.RemoteUpdatedAt(source); at != nil {
		ts = *at
	}
	if at := m.RemoteUpdatedAt(target); at != nil && !ts.After(*at) {
		ts = at.Add(time.Millisecond)
	}
	if ts.IsZero() {
		if item.LastAttemptAt != nil {
			return item.LastAttemptAt.UTC()
		}
		return e.now()
	}
	return ts
}

// complete is the bookkeeping shared by pushes and peer acknowledgements.
func (e *Engine) complete(ctx context.Context, tx db.Store, item *models.SyncQueueItem, remoteID string, ts time.Time) error {
	target := item.Direction.Target()
	ms := e.mappings.WithRepo(tx)

	if remoteID != "" && item.Operation != models.OperationDelete {
		if err := ms.LinkRemote(ctx, item.MappingID, target, remoteID); err != nil {
			if !apperrors.Is(err, apperrors.ErrInvalid) {
				return err
			}
			logging.Warn("Pushed entity returned a different remote id", map[string]interface{}{
				"mapping_id": item.MappingID,
				"side":       target,
				"remote_id":  remoteID,
			})
		}
	}
	if err := e.queue.WithRepo(tx).MarkCompleted(ctx, item.ID); err != nil {
		return err
	}

	if _, err := ms.RecordRemoteUpdate(ctx, item.MappingID, target, ts, item.Payload.Hash()); err != nil {
		return err
	}
	if err := ms.SaveSnapshot(ctx, item.MappingID, target, item.Payload, ts); err != nil {
		return err
	}

	m, err := ms.Get(ctx, item.MappingID)
	if err != nil {
		return err
	}
	return ms.MarkSynced(ctx, m.ID, latest(ts, m.CMSUpdatedAt, m.ForumUpdatedAt))
}

func (e *Engine) emitCompleted(item *models.SyncQueueItem, data map[string]interface{}) {
	data["direction"] = item.Direction
	data["operation"] = item.Operation
	e.Emit(SyncEvent{
		Type:      SyncEventItemCompleted,
		MappingID: item.MappingID,
		ItemID:    item.ID,
		Data:      data,
	})
}

func (e *Engine) emitChange(res *ChangeResult) {
	if res.Conflict != nil && res.Outcome == conflict.OutcomeConflict {
		e.Emit(SyncEvent{
			Type:       SyncEventConflictDetected,
			MappingID:  res.Conflict.MappingID,
			ConflictID: res.Conflict.ID,
		})
	}
	if res.Resolution != nil {
		e.emitResolution(res.Resolution)
	}
	if res.Enqueued && res.Item != nil {
		e.Emit(SyncEvent{
			Type:      SyncEventItemEnqueued,
			MappingID: res.Item.MappingID,
			ItemID:    res.Item.ID,
			Data: map[string]interface{}{
				"direction": res.Item.Direction,
				"operation": res.Item.Operation,
			},
		})
	}
}

func (e *Engine) emitResolution(res *conflict.Resolution) {
	e.Emit(SyncEvent{
		Type:       SyncEventConflictResolved,
		MappingID:  res.MappingID,
		ConflictID: res.ConflictID,
		Data: map[string]interface{}{
			"strategy": res.Strategy,
			"winner":   res.Winner,
		},
	})
}

// latest returns the latest of the recorded times ts, or fallback when none
// is recorded. Sync points follow platform time, not the local clock.
func latest(fallback time.Time, ts ...*time.Time) time.Time {
	var out time.Time
	for _, t := range ts {
		if t != nil && t.After(out) {
			out = *t
		}
	}
	if out.IsZero() {
		return fallback
	}
	return out
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
