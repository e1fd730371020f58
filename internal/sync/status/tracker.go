// Package status derives the sync state of a mapping from the mapping store
// and the open queue items. Nothing here is persisted.
package status

import (
	"context"

	"github.com/kimhsiao/bridgesync/internal/db"
	apperrors "github.com/kimhsiao/bridgesync/internal/errors"
	"github.com/kimhsiao/bridgesync/internal/models"
	"github.com/kimhsiao/bridgesync/internal/sync/conflict"
)

// Report is the derived state of one mapping.
type Report struct {
	MappingID    models.UUID              `json:"mapping_id"`
	EntityType   string                   `json:"entity_type"`
	LocalID      string                   `json:"local_id"`
	Status       models.EntityStatus      `json:"status"`
	OpenItems    map[models.Operation]int `json:"open_items,omitempty"`
	OpenConflict *models.UUID             `json:"open_conflict,omitempty"`
	Remote       map[models.Side]string   `json:"remote,omitempty"`
	LastSynced   *string                  `json:"last_synced_at,omitempty"`
	SyncEnabled  bool                     `json:"sync_enabled"`
	// NeedsSync is set when either side changed after the last sync, or the
	// mapping was never synced.
	NeedsSync    bool                     `json:"needs_sync"`
}

// Derive computes the status of m given its open queue items per operation.
// Pending work takes precedence, Delete over Create over Update. Without
// pending work the mapping is Synced when linked on both sides, RemoteOnly
// when linked on one and Unlinked otherwise.
func Derive(m *models.EntityMapping, open map[models.Operation]int) models.EntityStatus {
	switch {
	case open[models.OperationDelete] > 0:
		return models.EntityStatusPendingDelete
	case open[models.OperationCreate] > 0:
		return models.EntityStatusPendingCreate
	case open[models.OperationUpdate] > 0:
		return models.EntityStatusPendingUpdate
	}

	cms, forum := m.HasRemote(models.SideCMS), m.HasRemote(models.SideForum)
	switch {
	case cms && forum:
		return models.EntityStatusSynced
	case cms || forum:
		return models.EntityStatusRemoteOnly
	}
	return models.EntityStatusUnlinked
}

// Repository is the read access the tracker needs.
type Repository interface {
	GetMapping(ctx context.Context, id models.UUID) (*models.EntityMapping, error)
	CountOpenQueueItems(ctx context.Context, mappingID models.UUID) (map[models.Operation]int, error)
	GetOpenConflictForMapping(ctx context.Context, mappingID models.UUID) (*models.SyncConflict, error)
}

var _ Repository = (db.Store)(nil)

// Tracker reports derived entity status.
type Tracker struct {
	repo Repository
}

// NewTracker creates a Tracker.
func NewTracker(repo Repository) *Tracker {
	return &Tracker{repo: repo}
}

// Status returns the derived status of a mapping.
func (t *Tracker) Status(ctx context.Context, mappingID models.UUID) (models.EntityStatus, error) {
	r, err := t.Report(ctx, mappingID)
	if err != nil {
		return "", err
	}
	return r.Status, nil
}

// Report returns the derived status plus the facts it was derived from.
func (t *Tracker) Report(ctx context.Context, mappingID models.UUID) (*Report, error) {
	m, err := t.repo.GetMapping(ctx, mappingID)
	if err != nil {
		return nil, err
	}
	return t.ReportFor(ctx, m)
}

// ReportFor builds a report for an already loaded mapping.
func (t *Tracker) ReportFor(ctx context.Context, m *models.EntityMapping) (*Report, error) {
	open, err := t.repo.CountOpenQueueItems(ctx, m.ID)
	if err != nil {
		return nil, err
	}

	r := &Report{
		MappingID:   m.ID,
		EntityType:  m.EntityType,
		LocalID:     m.LocalID,
		Status:      Derive(m, open),
		OpenItems:   open,
		Remote:      map[models.Side]string{},
		SyncEnabled: m.SyncEnabled,
		NeedsSync:   conflict.NeedsSync(m),
	}
	for _, side := range []models.Side{models.SideCMS, models.SideForum} {
		if id := m.RemoteID(side); id != "" {
			r.Remote[side] = id
		}
	}
	if m.LastSyncedAt != nil {
		s := m.LastSyncedAt.Format("2006-01-02T15:04:05.000Z07:00")
		r.LastSynced = &s
	}

	c, err := t.repo.GetOpenConflictForMapping(ctx, m.ID)
	switch {
	case err == nil:
		r.OpenConflict = &c.ID
	case !apperrors.Is(err, apperrors.ErrNotFound):
		return nil, err
	}
	return r, nil
}
