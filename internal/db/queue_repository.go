package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/kimhsiao/bridgesync/internal/models"
)

// ExhaustedMessage is recorded on items whose attempt budget ran out
// without a recorded failure.
const ExhaustedMessage = "attempt budget exhausted"

const queueColumns = `seq, id, mapping_id, direction, operation, payload, status,
	attempt_count, max_attempts, scope_id, dedup_key, last_attempt_at,
	error_message, created_at, updated_at`

func scanQueueItem(row rowScanner) (*models.SyncQueueItem, error) {
	var item models.SyncQueueItem
	var lastAttempt sql.NullInt64
	var createdAt, updatedAt int64
	err := row.Scan(&item.Seq, &item.ID, &item.MappingID, &item.Direction, &item.Operation,
		&item.Payload, &item.Status, &item.AttemptCount, &item.MaxAttempts,
		&item.ScopeID, &item.DedupKey, &lastAttempt, &item.ErrorMessage,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, classify(err)
	}
	item.LastAttemptAt = fromNullMillis(lastAttempt)
	item.CreatedAt = fromMillis(createdAt)
	item.UpdatedAt = fromMillis(updatedAt)
	return &item, nil
}

func (r *Repository) queryQueueItems(ctx context.Context, query string, args ...interface{}) ([]*models.SyncQueueItem, error) {
	rows, err := r.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var items []*models.SyncQueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, classify(rows.Err())
}

// InsertQueueItem inserts a new queue item and fills in its ID, Seq and
// timestamps.
func (r *Repository) InsertQueueItem(ctx context.Context, item *models.SyncQueueItem) error {
	now := time.Now().UTC()
	if item.ID == "" {
		item.ID = models.NewUUID()
	}
	if item.Status == "" {
		item.Status = models.QueueStatusPending
	}
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = models.DefaultMaxAttempts
	}
	item.CreatedAt = now
	item.UpdatedAt = now

	query := `
	INSERT INTO sync_queue (id, mapping_id, direction, operation, payload, status,
		attempt_count, max_attempts, scope_id, dedup_key, last_attempt_at,
		error_message, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := r.q().ExecContext(ctx, query, item.ID, item.MappingID, item.Direction,
		item.Operation, item.Payload, item.Status, item.AttemptCount, item.MaxAttempts,
		item.ScopeID, item.DedupKey, nullMillis(item.LastAttemptAt), item.ErrorMessage,
		toMillis(now), toMillis(now))
	if err != nil {
		return classify(err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return classify(err)
	}
	item.Seq = seq
	return nil
}

// GetQueueItem retrieves a queue item by ID.
func (r *Repository) GetQueueItem(ctx context.Context, id models.UUID) (*models.SyncQueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM sync_queue WHERE id = ?`
	return scanQueueItem(r.queryRow(ctx, query, id))
}

// FindOpenQueueItem returns a Pending or Processing item with the same
// mapping, direction, scope and dedup key.
func (r *Repository) FindOpenQueueItem(ctx context.Context, mappingID models.UUID, direction models.Direction, scopeID, dedupKey string) (*models.SyncQueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM sync_queue
	WHERE mapping_id = ? AND direction = ? AND scope_id = ? AND dedup_key = ?
	  AND status IN ('pending', 'processing')
	ORDER BY seq LIMIT 1`
	return scanQueueItem(r.queryRow(ctx, query, mappingID, direction, scopeID, dedupKey))
}

// ListPendingQueueItems returns worker-bound Pending items in creation order.
// Items whose mapping already has a Processing item are skipped.
func (r *Repository) ListPendingQueueItems(ctx context.Context, limit int) ([]*models.SyncQueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM sync_queue q
	WHERE q.status = 'pending' AND q.scope_id = '' AND q.attempt_count < q.max_attempts
	  AND NOT EXISTS (
		SELECT 1 FROM sync_queue p
		WHERE p.mapping_id = q.mapping_id AND p.status = 'processing'
	  )
	ORDER BY q.created_at, q.seq
	LIMIT ?`
	return r.queryQueueItems(ctx, query, limit)
}

// ListScopedPendingQueueItems returns Pending items destined for scopeID in
// sequence order.
func (r *Repository) ListScopedPendingQueueItems(ctx context.Context, scopeID string, limit int) ([]*models.SyncQueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM sync_queue
	WHERE status = 'pending' AND scope_id = ?
	ORDER BY seq
	LIMIT ?`
	return r.queryQueueItems(ctx, query, scopeID, limit)
}

// ListQueueItemsByStatus returns items in status, oldest first.
func (r *Repository) ListQueueItemsByStatus(ctx context.Context, status models.QueueStatus, limit int) ([]*models.SyncQueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM sync_queue WHERE status = ? ORDER BY seq LIMIT ?`
	return r.queryQueueItems(ctx, query, status, limit)
}

// ListQueueItemsForMapping returns every item of a mapping, oldest first.
func (r *Repository) ListQueueItemsForMapping(ctx context.Context, mappingID models.UUID) ([]*models.SyncQueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM sync_queue WHERE mapping_id = ? ORDER BY seq`
	return r.queryQueueItems(ctx, query, mappingID)
}

// ClaimQueueItem atomically moves a Pending item to Processing. The claim is
// refused when another item of the same mapping is already Processing.
func (r *Repository) ClaimQueueItem(ctx context.Context, id models.UUID, now time.Time) (bool, error) {
	query := `
	UPDATE sync_queue SET status = 'processing', last_attempt_at = ?, updated_at = ?
	WHERE id = ? AND status = 'pending'
	  AND NOT EXISTS (
		SELECT 1 FROM sync_queue p
		WHERE p.mapping_id = sync_queue.mapping_id AND p.status = 'processing'
	  )
	`
	n, err := r.exec(ctx, query, toMillis(now), toMillis(now), id)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// TransitionQueueItem moves an item from one status to another if it is
// still in from. errMsg replaces the stored error message.
func (r *Repository) TransitionQueueItem(ctx context.Context, id models.UUID, from, to models.QueueStatus, errMsg string, now time.Time) (bool, error) {
	query := `UPDATE sync_queue SET status = ?, error_message = ?, updated_at = ? WHERE id = ? AND status = ?`
	n, err := r.exec(ctx, query, to, errMsg, toMillis(now), id, from)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// IncrementQueueAttempt bumps attempt_count of an open item. The attempt
// that uses up the budget moves the item to Failed.
func (r *Repository) IncrementQueueAttempt(ctx context.Context, id models.UUID, now time.Time) (bool, error) {
	query := `
	UPDATE sync_queue SET
		attempt_count = attempt_count + 1,
		status = CASE WHEN attempt_count + 1 >= max_attempts THEN 'failed' ELSE status END,
		error_message = CASE WHEN attempt_count + 1 >= max_attempts THEN ? ELSE error_message END,
		updated_at = ?
	WHERE id = ? AND status IN ('pending', 'processing') AND attempt_count < max_attempts
	`
	n, err := r.exec(ctx, query, ExhaustedMessage, toMillis(now), id)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RecordQueueFailure counts a failed attempt on an item still in from. A
// permanent failure, or one that uses up the budget, moves the item to
// Failed; otherwise it goes back to Pending.
func (r *Repository) RecordQueueFailure(ctx context.Context, id models.UUID, from models.QueueStatus, permanent bool, errMsg string, now time.Time) (bool, error) {
	query := `
	UPDATE sync_queue SET
		attempt_count = MIN(attempt_count + 1, max_attempts),
		status = CASE WHEN ? OR attempt_count + 1 >= max_attempts THEN 'failed' ELSE 'pending' END,
		error_message = ?, updated_at = ?
	WHERE id = ? AND status = ?
	`
	n, err := r.exec(ctx, query, permanent, errMsg, toMillis(now), id, from)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RequeueFailedItem moves a Failed item back to Pending with a fresh budget.
func (r *Repository) RequeueFailedItem(ctx context.Context, id models.UUID, now time.Time) (bool, error) {
	query := `
	UPDATE sync_queue SET status = 'pending', attempt_count = 0, error_message = '', updated_at = ?
	WHERE id = ? AND status = 'failed'
	`
	n, err := r.exec(ctx, query, toMillis(now), id)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkQueueItemsDelivered stamps last_attempt_at on items handed to a peer.
func (r *Repository) MarkQueueItemsDelivered(ctx context.Context, ids []models.UUID, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := []interface{}{toMillis(now), toMillis(now)}
	for _, id := range ids {
		args = append(args, id)
	}
	query := `UPDATE sync_queue SET last_attempt_at = ?, updated_at = ? WHERE status = 'pending' AND id IN (` + placeholders(len(ids)) + `)`
	_, err := r.exec(ctx, query, args...)
	return err
}

// ListDeliveredQueueItems returns the Pending items handed to scopeID with
// seq up to cursor, in sequence order.
func (r *Repository) ListDeliveredQueueItems(ctx context.Context, scopeID string, cursor int64) ([]*models.SyncQueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM sync_queue
	WHERE status = 'pending' AND scope_id = ? AND seq <= ? AND last_attempt_at IS NOT NULL
	ORDER BY seq`
	return r.queryQueueItems(ctx, query, scopeID, cursor)
}

// FailPendingItemsForMapping marks every Pending item of a mapping Failed.
func (r *Repository) FailPendingItemsForMapping(ctx context.Context, mappingID models.UUID, errMsg string, now time.Time) (int64, error) {
	query := `
	UPDATE sync_queue SET status = 'failed', error_message = ?, updated_at = ?
	WHERE mapping_id = ? AND status = 'pending'
	`
	return r.exec(ctx, query, errMsg, toMillis(now), mappingID)
}

// CountOpenQueueItems counts Pending and Processing items per operation for a
// mapping.
func (r *Repository) CountOpenQueueItems(ctx context.Context, mappingID models.UUID) (map[models.Operation]int, error) {
	rows, err := r.q().QueryContext(ctx, `
	SELECT operation, COUNT(*) FROM sync_queue
	WHERE mapping_id = ? AND status IN ('pending', 'processing')
	GROUP BY operation`, mappingID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	counts := make(map[models.Operation]int)
	for rows.Next() {
		var op models.Operation
		var n int
		if err := rows.Scan(&op, &n); err != nil {
			return nil, err
		}
		counts[op] = n
	}
	return counts, classify(rows.Err())
}

// QueueStats summarises the queue by status.
func (r *Repository) QueueStats(ctx context.Context) (*models.QueueStats, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var stats models.QueueStats
	for rows.Next() {
		var status models.QueueStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats.Total += n
		switch status {
		case models.QueueStatusPending:
			stats.Pending = n
		case models.QueueStatusProcessing:
			stats.Processing = n
		case models.QueueStatusCompleted:
			stats.Completed = n
		case models.QueueStatusFailed:
			stats.Failed = n
		}
	}
	return &stats, classify(rows.Err())
}

// DeleteQueueItemsBefore purges items in status last updated before cutoff.
func (r *Repository) DeleteQueueItemsBefore(ctx context.Context, status models.QueueStatus, cutoff time.Time) (int64, error) {
	return r.exec(ctx, `DELETE FROM sync_queue WHERE status = ? AND updated_at < ?`, status, toMillis(cutoff))
}

// ResetStuckProcessing returns Processing items not touched since cutoff to
// Pending.
func (r *Repository) ResetStuckProcessing(ctx context.Context, cutoff, now time.Time) (int64, error) {
	query := `
	UPDATE sync_queue SET status = 'pending', error_message = 'reset after stalled processing', updated_at = ?
	WHERE status = 'processing' AND updated_at < ?
	`
	return r.exec(ctx, query, toMillis(now), toMillis(cutoff))
}
