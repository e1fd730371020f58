package db

import (
	"context"
	"time"

	"github.com/kimhsiao/bridgesync/internal/models"
)

// MappingRepository defines operations for entity mapping persistence.
type MappingRepository interface {
	CreateMapping(ctx context.Context, m *models.EntityMapping) error
	GetMapping(ctx context.Context, id models.UUID) (*models.EntityMapping, error)
	GetMappingByLocal(ctx context.Context, entityType, localID string) (*models.EntityMapping, error)
	GetMappingByRemote(ctx context.Context, entityType string, side models.Side, remoteID string) (*models.EntityMapping, error)
	ListMappings(ctx context.Context, filter MappingFilter) ([]*models.EntityMapping, error)
	SetRemoteID(ctx context.Context, id models.UUID, side models.Side, remoteID string) (bool, error)
	AdvanceRemoteUpdate(ctx context.Context, id models.UUID, side models.Side, ts time.Time, contentHash string) (bool, error)
	TouchRemoteUpdate(ctx context.Context, id models.UUID, side models.Side, ts time.Time) (bool, error)
	SetLastSynced(ctx context.Context, id models.UUID, at time.Time) error
	SetSyncEnabled(ctx context.Context, id models.UUID, enabled bool) error
	SaveSnapshot(ctx context.Context, s *models.EntitySnapshot) error
	GetSnapshot(ctx context.Context, mappingID models.UUID, side models.Side) (*models.EntitySnapshot, error)
}

// QueueRepository defines operations for sync queue persistence.
type QueueRepository interface {
	InsertQueueItem(ctx context.Context, item *models.SyncQueueItem) error
	GetQueueItem(ctx context.Context, id models.UUID) (*models.SyncQueueItem, error)
	FindOpenQueueItem(ctx context.Context, mappingID models.UUID, direction models.Direction, scopeID, dedupKey string) (*models.SyncQueueItem, error)
	ListPendingQueueItems(ctx context.Context, limit int) ([]*models.SyncQueueItem, error)
	ListScopedPendingQueueItems(ctx context.Context, scopeID string, limit int) ([]*models.SyncQueueItem, error)
	ListQueueItemsByStatus(ctx context.Context, status models.QueueStatus, limit int) ([]*models.SyncQueueItem, error)
	ListQueueItemsForMapping(ctx context.Context, mappingID models.UUID) ([]*models.SyncQueueItem, error)
	ClaimQueueItem(ctx context.Context, id models.UUID, now time.Time) (bool, error)
	TransitionQueueItem(ctx context.Context, id models.UUID, from, to models.QueueStatus, errMsg string, now time.Time) (bool, error)
	IncrementQueueAttempt(ctx context.Context, id models.UUID, now time.Time) (bool, error)
	RecordQueueFailure(ctx context.Context, id models.UUID, from models.QueueStatus, permanent bool, errMsg string, now time.Time) (bool, error)
	RequeueFailedItem(ctx context.Context, id models.UUID, now time.Time) (bool, error)
	MarkQueueItemsDelivered(ctx context.Context, ids []models.UUID, now time.Time) error
	ListDeliveredQueueItems(ctx context.Context, scopeID string, cursor int64) ([]*models.SyncQueueItem, error)
	FailPendingItemsForMapping(ctx context.Context, mappingID models.UUID, errMsg string, now time.Time) (int64, error)
	CountOpenQueueItems(ctx context.Context, mappingID models.UUID) (map[models.Operation]int, error)
	QueueStats(ctx context.Context) (*models.QueueStats, error)
	DeleteQueueItemsBefore(ctx context.Context, status models.QueueStatus, cutoff time.Time) (int64, error)
	ResetStuckProcessing(ctx context.Context, cutoff, now time.Time) (int64, error)
}

// ConflictRepository defines operations for conflict persistence.
type ConflictRepository interface {
	InsertConflict(ctx context.Context, c *models.SyncConflict) error
	GetConflict(ctx context.Context, id models.UUID) (*models.SyncConflict, error)
	GetOpenConflictForMapping(ctx context.Context, mappingID models.UUID) (*models.SyncConflict, error)
	ListConflicts(ctx context.Context, openOnly bool, limit int) ([]*models.SyncConflict, error)
	ListConflictsForMapping(ctx context.Context, mappingID models.UUID) ([]*models.SyncConflict, error)
	MarkConflictResolved(ctx context.Context, id models.UUID, strategy models.ConflictStrategy, winner models.Side, at time.Time) (bool, error)
}

// EntityRepository defines operations for the canonical entity records.
type EntityRepository interface {
	GetEntity(ctx context.Context, entityType, localID string) (*models.EntityRecord, error)
	UpsertEntity(ctx context.Context, rec *models.EntityRecord) error
	MarkEntityDeleted(ctx context.Context, entityType, localID string, at time.Time) error
	CountEntities(ctx context.Context, entityType string) (int, error)
}

// Store groups every repository plus transactions. Components depend on the
// narrowest interface they need.
type Store interface {
	MappingRepository
	QueueRepository
	ConflictRepository
	EntityRepository
	WithTx(ctx context.Context, fn func(Store) error) error
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ MappingRepository  = (*Repository)(nil)
	_ QueueRepository    = (*Repository)(nil)
	_ ConflictRepository = (*Repository)(nil)
	_ EntityRepository   = (*Repository)(nil)
	_ Store              = (*Repository)(nil)
)
