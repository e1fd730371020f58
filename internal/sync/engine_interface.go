// Package sync provides the change intake engine tying mappings, the queue and
// conflict handling together.
package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/bridgesync/internal/models"
)

// ChangeObserver accepts changes observed on a platform. The batch receiver
// depends on this rather than on *Engine.
type ChangeObserver interface {
	// ObserveChange records a change and either raises a conflict or
	// enqueues propagation toward the other platform.
	ObserveChange(ctx context.Context, obs Observation) (*ChangeResult, error)
}

// DeliveryAcker completes the queue items a batch peer confirmed.
type DeliveryAcker interface {
	// AckDelivered completes every item delivered to scopeID with a sequence
	// up to cursor and returns how many there were.
	AckDelivered(ctx context.Context, scopeID string, cursor int64) (int, error)
}

var (
	_ ChangeObserver = (*Engine)(nil)
	_ DeliveryAcker  = (*Engine)(nil)
)

// SyncEventType names a sync notification.
type SyncEventType string

const (
	SyncEventItemEnqueued     SyncEventType = "sync_item_enqueued"
	SyncEventItemCompleted    SyncEventType = "sync_item_completed"
	SyncEventItemFailed       SyncEventType = "sync_item_failed"
	SyncEventConflictDetected SyncEventType = "sync_conflict_detected"
	SyncEventConflictResolved SyncEventType = "sync_conflict_resolved"
)

// SyncEvent is delivered to the registered SyncEventHandler.
type SyncEvent struct {
	Type       SyncEventType          `json:"type"`
	MappingID  models.UUID            `json:"mapping_id,omitempty"`
	ItemID     models.UUID            `json:"item_id,omitempty"`
	ConflictID models.UUID            `json:"conflict_id,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// SyncEventHandler receives sync notifications. Implementations must not
// block; events are delivered synchronously after the change is committed.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncEventHandlerFunc adapts a function to SyncEventHandler.
type SyncEventHandlerFunc func(event SyncEvent)

// OnSyncEvent calls f(event).
func (f SyncEventHandlerFunc) OnSyncEvent(event SyncEvent) { f(event) }
