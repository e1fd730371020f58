package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/kimhsiao/bridgesync/internal/models"
)

const conflictColumns = `id, mapping_id, detected_at, cms_snapshot, forum_snapshot,
	cms_updated_at, forum_updated_at, resolution, winner, resolved_at`

func scanConflict(row rowScanner) (*models.SyncConflict, error) {
	var c models.SyncConflict
	var detectedAt, cmsAt, forumAt int64
	var resolution, winner sql.NullString
	var resolvedAt sql.NullInt64
	err := row.Scan(&c.ID, &c.MappingID, &detectedAt, &c.CMSSnapshot, &c.ForumSnapshot,
		&cmsAt, &forumAt, &resolution, &winner, &resolvedAt)
	if err != nil {
		return nil, classify(err)
	}
	c.DetectedAt = fromMillis(detectedAt)
	c.CMSUpdatedAt = fromMillis(cmsAt)
	c.ForumUpdatedAt = fromMillis(forumAt)
	c.ResolvedAt = fromNullMillis(resolvedAt)
	if resolution.Valid {
		s := models.ConflictStrategy(resolution.String)
		c.Resolution = &s
	}
	if winner.Valid {
		w := models.Side(winner.String)
		c.Winner = &w
	}
	return &c, nil
}

// InsertConflict records a newly detected conflict. Only one unresolved
// conflict may exist per mapping; a second yields ErrDuplicate.
func (r *Repository) InsertConflict(ctx context.Context, c *models.SyncConflict) error {
	if c.ID == "" {
		c.ID = models.NewUUID()
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now().UTC()
	}

	query := `
	INSERT INTO sync_conflicts (id, mapping_id, detected_at, cms_snapshot, forum_snapshot,
		cms_updated_at, forum_updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.exec(ctx, query, c.ID, c.MappingID, toMillis(c.DetectedAt),
		c.CMSSnapshot, c.ForumSnapshot, toMillis(c.CMSUpdatedAt), toMillis(c.ForumUpdatedAt))
	return err
}

// GetConflict retrieves a conflict by ID.
func (r *Repository) GetConflict(ctx context.Context, id models.UUID) (*models.SyncConflict, error) {
	return scanConflict(r.queryRow(ctx, `SELECT `+conflictColumns+` FROM sync_conflicts WHERE id = ?`, id))
}

// GetOpenConflictForMapping returns the unresolved conflict of a mapping.
func (r *Repository) GetOpenConflictForMapping(ctx context.Context, mappingID models.UUID) (*models.SyncConflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts WHERE mapping_id = ? AND resolved_at IS NULL`
	return scanConflict(r.queryRow(ctx, query, mappingID))
}

// ListConflicts returns conflicts newest first. openOnly restricts the result
// to unresolved conflicts.
func (r *Repository) ListConflicts(ctx context.Context, openOnly bool, limit int) ([]*models.SyncConflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts`
	if openOnly {
		query += ` WHERE resolved_at IS NULL`
	}
	query += ` ORDER BY detected_at DESC, id LIMIT ?`
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.q().QueryContext(ctx, query, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*models.SyncConflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, classify(rows.Err())
}

// ListConflictsForMapping returns every conflict of a mapping, newest first.
func (r *Repository) ListConflictsForMapping(ctx context.Context, mappingID models.UUID) ([]*models.SyncConflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts WHERE mapping_id = ? ORDER BY detected_at DESC, id`
	rows, err := r.q().QueryContext(ctx, query, mappingID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*models.SyncConflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, classify(rows.Err())
}

// MarkConflictResolved archives an unresolved conflict. It reports false when
// the conflict was already resolved.
func (r *Repository) MarkConflictResolved(ctx context.Context, id models.UUID, strategy models.ConflictStrategy, winner models.Side, at time.Time) (bool, error) {
	query := `
	UPDATE sync_conflicts SET resolution = ?, winner = ?, resolved_at = ?
	WHERE id = ? AND resolved_at IS NULL
	`
	n, err := r.exec(ctx, query, string(strategy), string(winner), toMillis(at), id)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
