// Package queue provides the durable sync queue of pending push operations.
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/kimhsiao/bridgesync/internal/db"
	apperrors "github.com/kimhsiao/bridgesync/internal/errors"
	"github.com/kimhsiao/bridgesync/internal/logging"
	"github.com/kimhsiao/bridgesync/internal/models"
)

// SupersededMessage is recorded on Pending items dropped because their
// mapping entered a conflict.
const SupersededMessage = "superseded by conflict"

// ConvergedMessage is recorded on Pending items dropped because both sides
// already hold the same content.
const ConvergedMessage = "superseded: both sides hold the same content"

// EnqueueRequest describes one push operation.
type EnqueueRequest struct {
	MappingID   models.UUID
	Direction   models.Direction
	Operation   models.Operation
	Payload     models.Payload
	MaxAttempts int
	// ScopeID routes the item to a batch peer instead of the worker.
	ScopeID string
}

// Queue manages durable sync operations with bounded retries.
// Ordering is FIFO within a direction only; there is no cross-direction
// priority.
type Queue struct {
	repo     db.QueueRepository
	notEmpty chan struct{}
	now      func() time.Time

	// deferWake holds wakeups until the caller commits and calls Wake.
	deferWake bool
}

// New creates a Queue over repo.
func New(repo db.QueueRepository) *Queue {
	return &Queue{
		repo:     repo,
		notEmpty: make(chan struct{}, 1),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithRepo returns a queue bound to a transaction-scoped repository. It
// never wakes waiters itself: the items it writes are invisible until
// commit, so the caller calls Wake on the original queue afterwards.
func (q *Queue) WithRepo(repo db.QueueRepository) *Queue {
	return &Queue{repo: repo, notEmpty: q.notEmpty, now: q.now, deferWake: true}
}

// Wake tells a blocked DequeueBlocking that worker-bound items may be ready.
func (q *Queue) Wake() {
	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
}

// DedupKey identifies items carrying the same change.
func DedupKey(direction models.Direction, op models.Operation, payload models.Payload) string {
	sum := sha256.Sum256([]byte(string(direction) + "|" + string(op) + "|" + payload.Hash()))
	return hex.EncodeToString(sum[:])
}

// Enqueue adds an operation to the queue. An identical open item for the same
// mapping, direction and scope is returned instead of creating a duplicate;
// created reports which happened.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (item *models.SyncQueueItem, created bool, err error) {
	if req.MappingID == "" {
		return nil, false, apperrors.New(apperrors.ErrInvalid, "mapping id is required")
	}
	if _, err := models.ParseDirection(string(req.Direction)); err != nil {
		return nil, false, apperrors.Wrap(apperrors.ErrInvalid, "invalid direction", err)
	}
	if _, err := models.ParseOperation(string(req.Operation)); err != nil {
		return nil, false, apperrors.Wrap(apperrors.ErrInvalid, "invalid operation", err)
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = models.DefaultMaxAttempts
	}
	if req.Payload == nil {
		req.Payload = models.Payload{}
	}

	key := DedupKey(req.Direction, req.Operation, req.Payload)
	existing, err := q.repo.FindOpenQueueItem(ctx, req.MappingID, req.Direction, req.ScopeID, key)
	if err == nil {
		logging.Debug("Skipped duplicate enqueue", map[string]interface{}{
			"item_id":    existing.ID,
			"mapping_id": req.MappingID,
		})
		return existing, false, nil
	}
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		return nil, false, err
	}

	item = &models.SyncQueueItem{
		MappingID:   req.MappingID,
		Direction:   req.Direction,
		Operation:   req.Operation,
		Payload:     req.Payload,
		Status:      models.QueueStatusPending,
		MaxAttempts: req.MaxAttempts,
		ScopeID:     req.ScopeID,
		DedupKey:    key,
	}
	if err := q.repo.InsertQueueItem(ctx, item); err != nil {
		return nil, false, err
	}

	logging.Info("Enqueued sync operation", map[string]interface{}{
		"item_id":    item.ID,
		"mapping_id": item.MappingID,
		"direction":  item.Direction,
		"operation":  item.Operation,
		"scope_id":   item.ScopeID,
	})

	if item.ScopeID == "" {
		q.signal()
	}
	return item, true, nil
}

func (q *Queue) signal() {
	if q.deferWake {
		return
	}
	q.Wake()
}

// DequeuePending returns up to limit worker-bound Pending items in creation
// order. Items are not claimed; call MarkProcessing before working on one.
func (q *Queue) DequeuePending(ctx context.Context, limit int) ([]*models.SyncQueueItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	return q.repo.ListPendingQueueItems(ctx, limit)
}

// DequeueBlocking waits until items are available, the timeout expires or ctx
// is done. It returns nil when nothing became ready in time.
func (q *Queue) DequeueBlocking(ctx context.Context, limit int, timeout time.Duration) ([]*models.SyncQueueItem, error) {
	items, err := q.DequeuePending(ctx, limit)
	if err != nil || len(items) > 0 || timeout <= 0 {
		return items, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case <-q.notEmpty:
		return q.DequeuePending(ctx, limit)
	}
}

// MarkProcessing claims a Pending item. The claim fails with
// INVALID_TRANSITION if the item is not Pending or another item of the same
// mapping is Processing.
func (q *Queue) MarkProcessing(ctx context.Context, id models.UUID) error {
	ok, err := q.repo.ClaimQueueItem(ctx, id, q.now())
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.Newf(apperrors.ErrInvalidTransition, "queue item %s could not be claimed", id)
	}
	logging.Debug("Claimed sync operation", map[string]interface{}{"item_id": id})
	return nil
}

// MarkCompleted marks an item Completed. attempt_count is left unchanged.
func (q *Queue) MarkCompleted(ctx context.Context, id models.UUID) error {
	return q.transition(ctx, id, models.QueueStatusCompleted, "")
}

func (q *Queue) transition(ctx context.Context, id models.UUID, to models.QueueStatus, errMsg string) error {
	item, err := q.repo.GetQueueItem(ctx, id)
	if err != nil {
		return err
	}
	if !item.Status.CanTransition(to) {
		return apperrors.Newf(apperrors.ErrInvalidTransition, "queue item %s: %s -> %s", id, item.Status, to)
	}
	ok, err := q.repo.TransitionQueueItem(ctx, id, item.Status, to, errMsg, q.now())
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.Newf(apperrors.ErrInvalidTransition, "queue item %s changed status concurrently", id)
	}
	logging.Info("Queue item transitioned", map[string]interface{}{
		"item_id": id,
		"from":    item.Status,
		"to":      to,
	})
	return nil
}

// MarkFailed records a retryable failure. The item returns to Pending while
// attempts remain, otherwise it becomes Failed. The updated item is returned.
func (q *Queue) MarkFailed(ctx context.Context, id models.UUID, cause error) (*models.SyncQueueItem, error) {
	return q.fail(ctx, id, cause, false)
}

// MarkPermanentFailure marks an item Failed regardless of remaining attempts.
func (q *Queue) MarkPermanentFailure(ctx context.Context, id models.UUID, cause error) (*models.SyncQueueItem, error) {
	return q.fail(ctx, id, cause, true)
}

func (q *Queue) fail(ctx context.Context, id models.UUID, cause error, permanent bool) (*models.SyncQueueItem, error) {
	item, err := q.repo.GetQueueItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if !item.Status.Open() {
		return nil, apperrors.Newf(apperrors.ErrInvalidTransition, "queue item %s is already %s", id, item.Status)
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	ok, err := q.repo.RecordQueueFailure(ctx, id, item.Status, permanent, msg, q.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrInvalidTransition, "queue item %s changed status concurrently", id)
	}

	updated, err := q.repo.GetQueueItem(ctx, id)
	if err != nil {
		return nil, err
	}
	ctxFields := map[string]interface{}{
		"item_id":   id,
		"attempt":   updated.AttemptCount,
		"max":       updated.MaxAttempts,
		"status":    updated.Status,
		"permanent": permanent,
	}
	if updated.Status == models.QueueStatusFailed {
		logging.Error("Sync operation failed permanently", cause, ctxFields)
	} else {
		logging.Warn("Sync operation failed, will retry: "+msg, ctxFields)
		q.signal()
	}
	return updated, nil
}

// IncrementAttempt counts an attempt on an open item. The attempt that uses
// up the budget moves the item to Failed so it can be requeued.
func (q *Queue) IncrementAttempt(ctx context.Context, id models.UUID) error {
	ok, err := q.repo.IncrementQueueAttempt(ctx, id, q.now())
	if err != nil {
		return err
	}
	if !ok {
		if _, err := q.repo.GetQueueItem(ctx, id); err != nil {
			return err
		}
		return apperrors.Newf(apperrors.ErrInvalidTransition, "queue item %s has no attempts left", id)
	}
	return nil
}

// Requeue replays a Failed item with a fresh attempt budget.
func (q *Queue) Requeue(ctx context.Context, id models.UUID) error {
	ok, err := q.repo.RequeueFailedItem(ctx, id, q.now())
	if err != nil {
		return err
	}
	if !ok {
		item, err := q.repo.GetQueueItem(ctx, id)
		if err != nil {
			return err
		}
		return apperrors.Newf(apperrors.ErrInvalidTransition, "queue item %s is %s, only failed items can be requeued", id, item.Status)
	}
	logging.Info("Queue item requeued by operator", map[string]interface{}{"item_id": id})
	q.signal()
	return nil
}

// SupersedePending fails every Pending item of a mapping.
func (q *Queue) SupersedePending(ctx context.Context, mappingID models.UUID) (int64, error) {
	return q.supersede(ctx, mappingID, SupersededMessage)
}

// SupersedeConverged fails every Pending item of a mapping whose sides
// already agree.
func (q *Queue) SupersedeConverged(ctx context.Context, mappingID models.UUID) (int64, error) {
	return q.supersede(ctx, mappingID, ConvergedMessage)
}

func (q *Queue) supersede(ctx context.Context, mappingID models.UUID, reason string) (int64, error) {
	n, err := q.repo.FailPendingItemsForMapping(ctx, mappingID, reason, q.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Info("Superseded pending sync operations", map[string]interface{}{
			"mapping_id": mappingID,
			"count":      n,
			"reason":     reason,
		})
	}
	return n, nil
}

// PendingForScope returns up to limit Pending items destined for a batch peer.
func (q *Queue) PendingForScope(ctx context.Context, scopeID string, limit int) ([]*models.SyncQueueItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	return q.repo.ListScopedPendingQueueItems(ctx, scopeID, limit)
}

// MarkDelivered stamps items handed to a peer; they stay Pending until acked.
func (q *Queue) MarkDelivered(ctx context.Context, items []*models.SyncQueueItem) error {
	ids := make([]models.UUID, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	return q.repo.MarkQueueItemsDelivered(ctx, ids, q.now())
}

// Delivered returns the items handed to scopeID with seq up to cursor that
// are still waiting for the peer's acknowledgement.
func (q *Queue) Delivered(ctx context.Context, scopeID string, cursor int64) ([]*models.SyncQueueItem, error) {
	if cursor <= 0 {
		return nil, nil
	}
	return q.repo.ListDeliveredQueueItems(ctx, scopeID, cursor)
}

// Get returns a queue item.
func (q *Queue) Get(ctx context.Context, id models.UUID) (*models.SyncQueueItem, error) {
	return q.repo.GetQueueItem(ctx, id)
}

// ListByStatus returns items in status, oldest first.
func (q *Queue) ListByStatus(ctx context.Context, status models.QueueStatus, limit int) ([]*models.SyncQueueItem, error) {
	if limit <= 0 {
		limit = 100
	}
	return q.repo.ListQueueItemsByStatus(ctx, status, limit)
}

// ListForMapping returns every item of a mapping.
func (q *Queue) ListForMapping(ctx context.Context, mappingID models.UUID) ([]*models.SyncQueueItem, error) {
	return q.repo.ListQueueItemsForMapping(ctx, mappingID)
}

// Stats returns queue statistics.
func (q *Queue) Stats(ctx context.Context) (*models.QueueStats, error) {
	return q.repo.QueueStats(ctx)
}
