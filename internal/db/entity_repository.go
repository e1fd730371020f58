package db

import (
	"context"
	"time"

	"github.com/kimhsiao/bridgesync/internal/models"
)

// GetEntity retrieves the canonical record of an entity, deleted or not.
func (r *Repository) GetEntity(ctx context.Context, entityType, localID string) (*models.EntityRecord, error) {
	query := `
	SELECT entity_type, local_id, payload, content_hash, deleted, updated_at
	FROM entities WHERE entity_type = ? AND local_id = ?
	`
	var rec models.EntityRecord
	var updatedAt int64
	err := r.queryRow(ctx, query, entityType, localID).Scan(&rec.EntityType, &rec.LocalID,
		&rec.Payload, &rec.ContentHash, &rec.Deleted, &updatedAt)
	if err != nil {
		return nil, classify(err)
	}
	rec.UpdatedAt = fromMillis(updatedAt)
	return &rec, nil
}

// UpsertEntity writes the canonical record. The content hash is derived from
// the payload.
func (r *Repository) UpsertEntity(ctx context.Context, rec *models.EntityRecord) error {
	rec.ContentHash = rec.Payload.Hash()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	query := `
	INSERT INTO entities (entity_type, local_id, payload, content_hash, deleted, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(entity_type, local_id) DO UPDATE SET
		payload = excluded.payload,
		content_hash = excluded.content_hash,
		deleted = excluded.deleted,
		updated_at = excluded.updated_at
	`
	_, err := r.exec(ctx, query, rec.EntityType, rec.LocalID, rec.Payload, rec.ContentHash,
		rec.Deleted, toMillis(rec.UpdatedAt))
	return err
}

// MarkEntityDeleted soft deletes the canonical record.
func (r *Repository) MarkEntityDeleted(ctx context.Context, entityType, localID string, at time.Time) error {
	n, err := r.exec(ctx, `UPDATE entities SET deleted = 1, updated_at = ? WHERE entity_type = ? AND local_id = ?`,
		toMillis(at), entityType, localID)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountEntities counts canonical records of entityType, including deleted ones.
func (r *Repository) CountEntities(ctx context.Context, entityType string) (int, error) {
	var n int
	err := r.queryRow(ctx, `SELECT COUNT(*) FROM entities WHERE entity_type = ?`, entityType).Scan(&n)
	return n, classify(err)
}
