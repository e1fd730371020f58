package models

import "time"

// EntityRecord is the canonical local copy of a synced entity. Every entity
// type shares this schema; per-platform field shapes are translated at the
// client boundary.
type EntityRecord struct {
	EntityType  string    `db:"entity_type" json:"entity_type"`
	LocalID     string    `db:"local_id" json:"local_id"`
	Payload     Payload   `db:"payload" json:"payload"`
	ContentHash string    `db:"content_hash" json:"content_hash"`
	Deleted     bool      `db:"deleted" json:"deleted"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for EntityRecord.
func (EntityRecord) TableName() string {
	return "entities"
}

// EntitySnapshot is the last payload observed from one platform for a mapping.
type EntitySnapshot struct {
	MappingID   UUID      `db:"mapping_id" json:"mapping_id"`
	Side        Side      `db:"side" json:"side"`
	Payload     Payload   `db:"payload" json:"payload"`
	ContentHash string    `db:"content_hash" json:"content_hash"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for EntitySnapshot.
func (EntitySnapshot) TableName() string {
	return "entity_snapshots"
}
