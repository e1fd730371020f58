package models

import "time"

// DefaultMaxAttempts is used when an item is enqueued without an explicit budget.
const DefaultMaxAttempts = 3

// SyncQueueItem represents a pending push operation toward one platform.
type SyncQueueItem struct {
	Seq           int64       `db:"seq" json:"seq"`
	ID            UUID        `db:"id" json:"id"`
	MappingID     UUID        `db:"mapping_id" json:"mapping_id"`
	Direction     Direction   `db:"direction" json:"direction"`
	Operation     Operation   `db:"operation" json:"operation"`
	Payload       Payload     `db:"payload" json:"payload"`
	Status        QueueStatus `db:"status" json:"status"`
	AttemptCount  int         `db:"attempt_count" json:"attempt_count"`
	MaxAttempts   int         `db:"max_attempts" json:"max_attempts"`
	ScopeID       string      `db:"scope_id" json:"scope_id,omitempty"`
	DedupKey      string      `db:"dedup_key" json:"-"`
	LastAttemptAt *time.Time  `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	ErrorMessage  string      `db:"error_message" json:"error_message,omitempty"`
	CreatedAt     time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time   `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for SyncQueueItem.
func (SyncQueueItem) TableName() string {
	return "sync_queue"
}

// Exhausted reports whether the item has used its whole retry budget.
func (i *SyncQueueItem) Exhausted() bool {
	return i.AttemptCount >= i.MaxAttempts
}

// QueueStats summarises queue contents by status.
type QueueStats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}
