// Package mapping provides the durable link between a local entity and its
// identity on each remote platform.
package mapping

import (
	"context"
	"strings"
	"time"

	"github.com/kimhsiao/bridgesync/internal/db"
	apperrors "github.com/kimhsiao/bridgesync/internal/errors"
	"github.com/kimhsiao/bridgesync/internal/logging"
	"github.com/kimhsiao/bridgesync/internal/models"
)

// Store manages EntityMappings.
type Store struct {
	repo db.MappingRepository
}

// NewStore creates a mapping store over repo.
func NewStore(repo db.MappingRepository) *Store {
	return &Store{repo: repo}
}

// WithRepo returns a store bound to another repository, typically a
// transaction-scoped one.
func (s *Store) WithRepo(repo db.MappingRepository) *Store {
	return &Store{repo: repo}
}

// Create returns the mapping for (entityType, localID), creating it if needed.
func (s *Store) Create(ctx context.Context, entityType, localID string) (*models.EntityMapping, error) {
	return s.create(ctx, &models.EntityMapping{EntityType: entityType, LocalID: localID, SyncEnabled: true})
}

// CreateWithRemote creates a mapping that is already linked on side. It is
// used when an entity is first seen on a remote platform.
func (s *Store) CreateWithRemote(ctx context.Context, entityType, localID string, side models.Side, remoteID string) (*models.EntityMapping, error) {
	if !side.Valid() {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "invalid side %q", side)
	}
	if strings.TrimSpace(remoteID) == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "remote id is required")
	}
	m := &models.EntityMapping{EntityType: entityType, LocalID: localID, SyncEnabled: true}
	if side == models.SideCMS {
		m.RemoteIDCMS = &remoteID
	} else {
		m.RemoteIDForum = &remoteID
	}
	created, err := s.create(ctx, m)
	if err != nil {
		return nil, err
	}
	if created.RemoteID(side) != remoteID {
		if err := s.LinkRemote(ctx, created.ID, side, remoteID); err != nil {
			return nil, err
		}
		return s.Get(ctx, created.ID)
	}
	return created, nil
}

func (s *Store) create(ctx context.Context, m *models.EntityMapping) (*models.EntityMapping, error) {
	if strings.TrimSpace(m.EntityType) == "" || strings.TrimSpace(m.LocalID) == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "entity type and local id are required")
	}

	existing, err := s.repo.GetMappingByLocal(ctx, m.EntityType, m.LocalID)
	if err == nil {
		return existing, nil
	}
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}

	if err := s.repo.CreateMapping(ctx, m); err != nil {
		if !apperrors.Is(err, apperrors.ErrDuplicate) {
			return nil, err
		}
		// Lost a race on (entity_type, local_id); the winner's row is ours too.
		existing, getErr := s.repo.GetMappingByLocal(ctx, m.EntityType, m.LocalID)
		if getErr != nil {
			return nil, err
		}
		return existing, nil
	}

	logging.Info("Mapping created", map[string]interface{}{
		"mapping_id":  m.ID,
		"entity_type": m.EntityType,
		"local_id":    m.LocalID,
	})
	return m, nil
}

// LinkRemote records the remote id for side. Relinking the same id is a
// no-op. Linking a different id over an existing one is rejected, as is an id
// already linked to another mapping.
func (s *Store) LinkRemote(ctx context.Context, mappingID models.UUID, side models.Side, remoteID string) error {
	if !side.Valid() {
		return apperrors.Newf(apperrors.ErrInvalid, "invalid side %q", side)
	}
	if strings.TrimSpace(remoteID) == "" {
		return apperrors.New(apperrors.ErrInvalid, "remote id is required")
	}

	ok, err := s.repo.SetRemoteID(ctx, mappingID, side, remoteID)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrDuplicate) {
			return apperrors.Wrap(apperrors.ErrDuplicate,
				"remote id "+remoteID+" is already linked to another mapping", err)
		}
		return err
	}
	if ok {
		return nil
	}

	m, err := s.repo.GetMapping(ctx, mappingID)
	if err != nil {
		return err
	}
	return apperrors.Newf(apperrors.ErrInvalid, "mapping %s is already linked to %s id %q",
		mappingID, side, m.RemoteID(side))
}

// RecordRemoteUpdate advances the side's last known update time. Out of order
// or repeated timestamps are ignored; advanced reports whether anything
// changed.
func (s *Store) RecordRemoteUpdate(ctx context.Context, mappingID models.UUID, side models.Side, ts time.Time, contentHash string) (bool, error) {
	if !side.Valid() {
		return false, apperrors.Newf(apperrors.ErrInvalid, "invalid side %q", side)
	}
	advanced, err := s.repo.AdvanceRemoteUpdate(ctx, mappingID, side, ts, contentHash)
	if err != nil {
		return false, err
	}
	if !advanced {
		logging.Debug("Ignored stale remote update", map[string]interface{}{
			"mapping_id": mappingID,
			"side":       side,
			"updated_at": ts,
		})
	}
	return advanced, nil
}

// TouchRemote advances the side's last known update time for a change whose
// content is not known yet, such as a webhook notification. The content of
// that change is still accepted when observed with the same timestamp.
func (s *Store) TouchRemote(ctx context.Context, mappingID models.UUID, side models.Side, ts time.Time) (bool, error) {
	if !side.Valid() {
		return false, apperrors.Newf(apperrors.ErrInvalid, "invalid side %q", side)
	}
	return s.repo.TouchRemoteUpdate(ctx, mappingID, side, ts)
}

// MarkSynced records a successful sync at the given time.
func (s *Store) MarkSynced(ctx context.Context, mappingID models.UUID, at time.Time) error {
	return s.repo.SetLastSynced(ctx, mappingID, at)
}

// SetSyncEnabled toggles whether changes to the mapping propagate.
func (s *Store) SetSyncEnabled(ctx context.Context, mappingID models.UUID, enabled bool) error {
	if err := s.repo.SetSyncEnabled(ctx, mappingID, enabled); err != nil {
		return err
	}
	logging.Info("Mapping sync toggled", map[string]interface{}{
		"mapping_id": mappingID,
		"enabled":    enabled,
	})
	return nil
}

// Get returns a mapping by id.
func (s *Store) Get(ctx context.Context, id models.UUID) (*models.EntityMapping, error) {
	return s.repo.GetMapping(ctx, id)
}

// GetByLocal returns the mapping of a local entity.
func (s *Store) GetByLocal(ctx context.Context, entityType, localID string) (*models.EntityMapping, error) {
	return s.repo.GetMappingByLocal(ctx, entityType, localID)
}

// GetByRemote returns the mapping linked to remoteID on side. An empty
// entityType searches every type.
func (s *Store) GetByRemote(ctx context.Context, entityType string, side models.Side, remoteID string) (*models.EntityMapping, error) {
	return s.repo.GetMappingByRemote(ctx, entityType, side, remoteID)
}

// List returns mappings matching filter.
func (s *Store) List(ctx context.Context, filter db.MappingFilter) ([]*models.EntityMapping, error) {
	return s.repo.ListMappings(ctx, filter)
}

// SaveSnapshot stores the latest payload observed from side.
func (s *Store) SaveSnapshot(ctx context.Context, mappingID models.UUID, side models.Side, payload models.Payload, ts time.Time) error {
	return s.repo.SaveSnapshot(ctx, &models.EntitySnapshot{
		MappingID:   mappingID,
		Side:        side,
		Payload:     payload,
		ContentHash: payload.Hash(),
		UpdatedAt:   ts,
	})
}

// Snapshot returns the latest payload observed from side, or an empty
// payload when none was recorded.
func (s *Store) Snapshot(ctx context.Context, mappingID models.UUID, side models.Side) (models.Payload, error) {
	snap, err := s.repo.GetSnapshot(ctx, mappingID, side)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return models.Payload{}, nil
		}
		return nil, err
	}
	return snap.Payload, nil
}
