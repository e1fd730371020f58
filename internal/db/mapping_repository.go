package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kimhsiao/bridgesync/internal/models"
)

// MappingFilter narrows ListMappings.
type MappingFilter struct {
	EntityType string
	Limit      int
	Offset     int
}

const mappingColumns = `id, entity_type, local_id, remote_id_cms, remote_id_forum,
	cms_updated_at, forum_updated_at, cms_content_hash, forum_content_hash,
	last_synced_at, sync_enabled, created_at, updated_at`

// remoteColumns returns the per-side column names.
func remoteColumns(side models.Side) (id, updatedAt, hash string) {
	if side == models.SideCMS {
		return "remote_id_cms", "cms_updated_at", "cms_content_hash"
	}
	return "remote_id_forum", "forum_updated_at", "forum_content_hash"
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMapping(row rowScanner) (*models.EntityMapping, error) {
	var m models.EntityMapping
	var remoteCMS, remoteForum sql.NullString
	var cmsAt, forumAt, syncedAt sql.NullInt64
	var createdAt, updatedAt int64
	err := row.Scan(&m.ID, &m.EntityType, &m.LocalID, &remoteCMS, &remoteForum,
		&cmsAt, &forumAt, &m.CMSContentHash, &m.ForumContentHash,
		&syncedAt, &m.SyncEnabled, &createdAt, &updatedAt)
	if err != nil {
		return nil, classify(err)
	}
	m.RemoteIDCMS = fromNullString(remoteCMS)
	m.RemoteIDForum = fromNullString(remoteForum)
	m.CMSUpdatedAt = fromNullMillis(cmsAt)
	m.ForumUpdatedAt = fromNullMillis(forumAt)
	m.LastSyncedAt = fromNullMillis(syncedAt)
	m.CreatedAt = fromMillis(createdAt)
	m.UpdatedAt = fromMillis(updatedAt)
	return &m, nil
}

// CreateMapping inserts a new mapping. A mapping with the same
// (entity_type, local_id) or remote id yields ErrDuplicate.
func (r *Repository) CreateMapping(ctx context.Context, m *models.EntityMapping) error {
	now := time.Now().UTC()
	if m.ID == "" {
		m.ID = models.NewUUID()
	}
	m.CreatedAt = now
	m.UpdatedAt = now

	query := `
	INSERT INTO entity_mappings (` + mappingColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.exec(ctx, query, m.ID, m.EntityType, m.LocalID,
		nullString(m.RemoteIDCMS), nullString(m.RemoteIDForum),
		nullMillis(m.CMSUpdatedAt), nullMillis(m.ForumUpdatedAt),
		m.CMSContentHash, m.ForumContentHash,
		nullMillis(m.LastSyncedAt), m.SyncEnabled, toMillis(now), toMillis(now))
	return err
}

// GetMapping retrieves a mapping by ID.
func (r *Repository) GetMapping(ctx context.Context, id models.UUID) (*models.EntityMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM entity_mappings WHERE id = ?`
	return scanMapping(r.queryRow(ctx, query, id))
}

// GetMappingByLocal retrieves a mapping by its local identity.
func (r *Repository) GetMappingByLocal(ctx context.Context, entityType, localID string) (*models.EntityMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM entity_mappings WHERE entity_type = ? AND local_id = ?`
	return scanMapping(r.queryRow(ctx, query, entityType, localID))
}

// GetMappingByRemote retrieves a mapping by a platform's remote id. An empty
// entityType matches any type, oldest mapping first.
func (r *Repository) GetMappingByRemote(ctx context.Context, entityType string, side models.Side, remoteID string) (*models.EntityMapping, error) {
	idCol, _, _ := remoteColumns(side)
	if entityType == "" {
		query := `SELECT ` + mappingColumns + ` FROM entity_mappings WHERE ` + idCol + ` = ? ORDER BY created_at LIMIT 1`
		return scanMapping(r.queryRow(ctx, query, remoteID))
	}
	query := `SELECT ` + mappingColumns + ` FROM entity_mappings WHERE entity_type = ? AND ` + idCol + ` = ?`
	return scanMapping(r.queryRow(ctx, query, entityType, remoteID))
}

// ListMappings returns mappings ordered by creation time.
func (r *Repository) ListMappings(ctx context.Context, filter MappingFilter) ([]*models.EntityMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM entity_mappings`
	var args []interface{}
	if filter.EntityType != "" {
		query += ` WHERE entity_type = ?`
		args = append(args, filter.EntityType)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at, id LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := r.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*models.EntityMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, classify(rows.Err())
}

// SetRemoteID links remoteID for side when no id is linked yet, or when the
// same id is already linked. It reports whether the row now holds remoteID.
func (r *Repository) SetRemoteID(ctx context.Context, id models.UUID, side models.Side, remoteID string) (bool, error) {
	idCol, _, _ := remoteColumns(side)
	query := fmt.Sprintf(`
	UPDATE entity_mappings SET %[1]s = ?, updated_at = ?
	WHERE id = ? AND (%[1]s IS NULL OR %[1]s = ?)
	`, idCol)
	n, err := r.exec(ctx, query, remoteID, toMillis(time.Now()), id, remoteID)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// AdvanceRemoteUpdate moves the side's update time forward to ts. Earlier or
// equal timestamps leave the row untouched, except that content may fill in
// a timestamp recorded without a hash. An empty hash keeps the cached hash.
func (r *Repository) AdvanceRemoteUpdate(ctx context.Context, id models.UUID, side models.Side, ts time.Time, contentHash string) (bool, error) {
	_, atCol, hashCol := remoteColumns(side)
	query := fmt.Sprintf(`
	UPDATE entity_mappings
	SET %[1]s = ?, %[2]s = CASE WHEN ? = '' THEN %[2]s ELSE ? END, updated_at = ?
	WHERE id = ? AND (%[1]s IS NULL OR %[1]s < ? OR (%[1]s = ? AND %[2]s = '' AND ? <> ''))
	`, atCol, hashCol)
	ms := toMillis(ts)
	n, err := r.exec(ctx, query, ms, contentHash, contentHash, toMillis(time.Now()), id, ms, ms, contentHash)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// TouchRemoteUpdate moves the side's update time forward to ts without
// content. The cached hash is cleared since it no longer describes the side.
func (r *Repository) TouchRemoteUpdate(ctx context.Context, id models.UUID, side models.Side, ts time.Time) (bool, error) {
	_, atCol, hashCol := remoteColumns(side)
	query := fmt.Sprintf(`
	UPDATE entity_mappings
	SET %[1]s = ?, %[2]s = '', updated_at = ?
	WHERE id = ? AND (%[1]s IS NULL OR %[1]s < ?)
	`, atCol, hashCol)
	ms := toMillis(ts)
	n, err := r.exec(ctx, query, ms, toMillis(time.Now()), id, ms)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetLastSynced records the time of the last successful sync.
func (r *Repository) SetLastSynced(ctx context.Context, id models.UUID, at time.Time) error {
	n, err := r.exec(ctx, `UPDATE entity_mappings SET last_synced_at = ?, updated_at = ? WHERE id = ?`,
		toMillis(at), toMillis(time.Now()), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSyncEnabled toggles syncing for a mapping.
func (r *Repository) SetSyncEnabled(ctx context.Context, id models.UUID, enabled bool) error {
	n, err := r.exec(ctx, `UPDATE entity_mappings SET sync_enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, toMillis(time.Now()), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveSnapshot stores the latest payload observed from side.
func (r *Repository) SaveSnapshot(ctx context.Context, s *models.EntitySnapshot) error {
	query := `
	INSERT INTO entity_snapshots (mapping_id, side, payload, content_hash, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(mapping_id, side) DO UPDATE SET
		payload = excluded.payload,
		content_hash = excluded.content_hash,
		updated_at = excluded.updated_at
	`
	_, err := r.exec(ctx, query, s.MappingID, string(s.Side), s.Payload, s.ContentHash, toMillis(s.UpdatedAt))
	return err
}

// GetSnapshot returns the latest payload observed from side.
func (r *Repository) GetSnapshot(ctx context.Context, mappingID models.UUID, side models.Side) (*models.EntitySnapshot, error) {
	query := `SELECT mapping_id, side, payload, content_hash, updated_at FROM entity_snapshots WHERE mapping_id = ? AND side = ?`
	var s models.EntitySnapshot
	var sideStr string
	var updatedAt int64
	err := r.queryRow(ctx, query, mappingID, string(side)).Scan(&s.MappingID, &sideStr, &s.Payload, &s.ContentHash, &updatedAt)
	if err != nil {
		return nil, classify(err)
	}
	s.Side = models.Side(sideStr)
	s.UpdatedAt = fromMillis(updatedAt)
	return &s, nil
}
