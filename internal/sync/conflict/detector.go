// Package conflict detects divergent edits between the CMS and the forum and
// resolves them with a configurable strategy.
package conflict

import (
	"time"

	"github.com/kimhsiao/bridgesync/internal/logging"
	"github.com/kimhsiao/bridgesync/internal/models"
)

// Observation is a change seen on one platform.
type Observation struct {
	Side        models.Side
	UpdatedAt   time.Time
	ContentHash string
}

// Outcome classifies what an observation means for a mapping.
type Outcome string

const (
	// OutcomeFirstSync means the mapping was never synced; the observed side
	// is propagated as is.
	OutcomeFirstSync Outcome = "first_sync"
	// OutcomePropagate means only the observed side changed since the last sync.
	OutcomePropagate Outcome = "propagate"
	// OutcomeConflict means both sides changed since the last sync and their
	// content differs.
	OutcomeConflict Outcome = "conflict"
	// OutcomeConverged means both sides changed to the same content.
	OutcomeConverged Outcome = "converged"
	// OutcomeStale means the observation is not newer than the last sync.
	OutcomeStale Outcome = "stale"
)

// Detection is the result of Detect.
type Detection struct {
	Outcome Outcome
	// Source is the side whose content should be propagated. Empty for
	// conflicts and no-ops.
	Source models.Side
	// Latest is the TieBreak winner between both recorded update times. It is
	// informational; resolution is up to the configured strategy.
	Latest         models.Side
	CMSUpdatedAt   *time.Time
	ForumUpdatedAt *time.Time
}

// Conflict reports whether the detection raised a conflict.
func (d Detection) Conflict() bool { return d.Outcome == OutcomeConflict }

// Propagate reports whether a push toward the other side is needed.
func (d Detection) Propagate() bool {
	return d.Outcome == OutcomeFirstSync || d.Outcome == OutcomePropagate
}

// Detect evaluates obs against m. The observation is applied to a copy of the
// mapping with the same monotonic rule as the store: an older timestamp never
// replaces a newer one.
func Detect(m *models.EntityMapping, obs Observation) Detection {
	view := apply(m, obs)

	d := Detection{
		CMSUpdatedAt:   view.CMSUpdatedAt,
		ForumUpdatedAt: view.ForumUpdatedAt,
		Latest:         TieBreak(deref(view.CMSUpdatedAt), deref(view.ForumUpdatedAt)),
	}

	if view.LastSyncedAt == nil {
		d.Outcome = OutcomeFirstSync
		d.Source = obs.Side
		return d
	}

	cmsChanged := view.ChangedSinceSync(models.SideCMS)
	forumChanged := view.ChangedSinceSync(models.SideForum)

	switch {
	case cmsChanged && forumChanged:
		if view.CMSContentHash != "" && view.CMSContentHash == view.ForumContentHash {
			d.Outcome = OutcomeConverged
			return d
		}
		d.Outcome = OutcomeConflict
		logging.Warn("Concurrent edit conflict detected", map[string]interface{}{
			"mapping_id":       m.ID,
			"entity_type":      m.EntityType,
			"cms_updated_at":   view.CMSUpdatedAt,
			"forum_updated_at": view.ForumUpdatedAt,
			"last_synced_at":   view.LastSyncedAt,
		})
	case view.ChangedSinceSync(obs.Side):
		d.Outcome = OutcomePropagate
		d.Source = obs.Side
	default:
		d.Outcome = OutcomeStale
	}
	return d
}

// TieBreak orders two update times by (timestamp, side id) and returns the
// larger. On an exact tie the forum wins because "forum" sorts after "cms".
// The choice is arbitrary but stable.
func TieBreak(cmsAt, forumAt time.Time) models.Side {
	if cmsAt.After(forumAt) {
		return models.SideCMS
	}
	if forumAt.After(cmsAt) {
		return models.SideForum
	}
	if string(models.SideCMS) > string(models.SideForum) {
		return models.SideCMS
	}
	return models.SideForum
}

// NeedsSync reports whether m has never been synced or either side changed
// since the last sync.
func NeedsSync(m *models.EntityMapping) bool {
	if m.LastSyncedAt == nil {
		return true
	}
	return m.ChangedSinceSync(models.SideCMS) || m.ChangedSinceSync(models.SideForum)
}

func apply(m *models.EntityMapping, obs Observation) models.EntityMapping {
	view := *m
	if obs.UpdatedAt.IsZero() || !obs.Side.Valid() {
		return view
	}
	cur := view.RemoteUpdatedAt(obs.Side)
	if cur != nil && !cur.Before(obs.UpdatedAt) {
		// Content may fill in an update that was recorded without it.
		if !cur.Equal(obs.UpdatedAt) || view.ContentHash(obs.Side) != "" || obs.ContentHash == "" {
			return view
		}
	}
	ts := obs.UpdatedAt.UTC()
	if obs.Side == models.SideCMS {
		view.CMSUpdatedAt = &ts
		if obs.ContentHash != "" {
			view.CMSContentHash = obs.ContentHash
		}
	} else {
		view.ForumUpdatedAt = &ts
		if obs.ContentHash != "" {
			view.ForumContentHash = obs.ContentHash
		}
	}
	return view
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
