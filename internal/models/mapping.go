package models

import "time"

// EntityMapping links one local logical entity to its identity on each platform.
type EntityMapping struct {
	ID               UUID       `db:"id" json:"id"`
	EntityType       string     `db:"entity_type" json:"entity_type"`
	LocalID          string     `db:"local_id" json:"local_id"`
	RemoteIDCMS      *string    `db:"remote_id_cms" json:"remote_id_cms,omitempty"`
	RemoteIDForum    *string    `db:"remote_id_forum" json:"remote_id_forum,omitempty"`
	CMSUpdatedAt     *time.Time `db:"cms_updated_at" json:"cms_updated_at,omitempty"`
	ForumUpdatedAt   *time.Time `db:"forum_updated_at" json:"forum_updated_at,omitempty"`
	CMSContentHash   string     `db:"cms_content_hash" json:"cms_content_hash,omitempty"`
	ForumContentHash string     `db:"forum_content_hash" json:"forum_content_hash,omitempty"`
	LastSyncedAt     *time.Time `db:"last_synced_at" json:"last_synced_at,omitempty"`
	SyncEnabled      bool       `db:"sync_enabled" json:"sync_enabled"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for EntityMapping.
func (EntityMapping) TableName() string {
	return "entity_mappings"
}

// RemoteID returns the remote id known for side, or "".
func (m *EntityMapping) RemoteID(side Side) string {
	var id *string
	if side == SideCMS {
		id = m.RemoteIDCMS
	} else {
		id = m.RemoteIDForum
	}
	if id == nil {
		return ""
	}
	return *id
}

// HasRemote reports whether a remote id is linked for side.
func (m *EntityMapping) HasRemote(side Side) bool {
	return m.RemoteID(side) != ""
}

// RemoteUpdatedAt returns the last observed update time for side.
func (m *EntityMapping) RemoteUpdatedAt(side Side) *time.Time {
	if side == SideCMS {
		return m.CMSUpdatedAt
	}
	return m.ForumUpdatedAt
}

// ContentHash returns the cached content hash for side.
func (m *EntityMapping) ContentHash(side Side) string {
	if side == SideCMS {
		return m.CMSContentHash
	}
	return m.ForumContentHash
}

// ChangedSinceSync reports whether side has an update after LastSyncedAt.
// A mapping that has never been synced reports false; the first sync is
// never treated as a change relative to a previous state.
func (m *EntityMapping) ChangedSinceSync(side Side) bool {
	if m.LastSyncedAt == nil {
		return false
	}
	ts := m.RemoteUpdatedAt(side)
	return ts != nil && ts.After(*m.LastSyncedAt)
}
