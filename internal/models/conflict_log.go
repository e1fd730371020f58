package models

import "time"

// SyncConflict records divergent edits made on both platforms since the last sync.
type SyncConflict struct {
	ID             UUID              `db:"id" json:"id"`
	MappingID      UUID              `db:"mapping_id" json:"mapping_id"`
	DetectedAt     time.Time         `db:"detected_at" json:"detected_at"`
	CMSSnapshot    Payload           `db:"cms_snapshot" json:"cms_snapshot"`
	ForumSnapshot  Payload           `db:"forum_snapshot" json:"forum_snapshot"`
	CMSUpdatedAt   time.Time         `db:"cms_updated_at" json:"cms_updated_at"`
	ForumUpdatedAt time.Time         `db:"forum_updated_at" json:"forum_updated_at"`
	Resolution     *ConflictStrategy `db:"resolution" json:"resolution,omitempty"`
	Winner         *Side             `db:"winner" json:"winner,omitempty"`
	ResolvedAt     *time.Time        `db:"resolved_at" json:"resolved_at,omitempty"`
}

// TableName returns the table name for SyncConflict.
func (SyncConflict) TableName() string {
	return "sync_conflicts"
}

// Resolved reports whether a resolution has been recorded.
func (c *SyncConflict) Resolved() bool {
	return c.ResolvedAt != nil
}

// Snapshot returns the snapshot captured for side.
func (c *SyncConflict) Snapshot(side Side) Payload {
	if side == SideCMS {
		return c.CMSSnapshot
	}
	return c.ForumSnapshot
}

// SideUpdatedAt returns the update time captured for side.
func (c *SyncConflict) SideUpdatedAt(side Side) time.Time {
	if side == SideCMS {
		return c.CMSUpdatedAt
	}
	return c.ForumUpdatedAt
}
