package conflict

import (
	apperrors "github.com/kimhsiao/bridgesync/internal/errors"
	"github.com/kimhsiao/bridgesync/internal/logging"
	"github.com/kimhsiao/bridgesync/internal/models"
)

// Resolver turns a recorded SyncConflict into the payload that must be
// pushed to the losing side.
type Resolver struct {
	strategy models.ConflictStrategy
}

// NewResolver creates a Resolver whose default strategy is used when Resolve
// is called without one. An empty default means prefer_most_recent.
func NewResolver(strategy models.ConflictStrategy) *Resolver {
	if strategy == "" {
		strategy = models.StrategyPreferMostRecent
	}
	return &Resolver{strategy: strategy}
}

// Strategy returns the default strategy.
func (r *Resolver) Strategy() models.ConflictStrategy {
	return r.strategy
}

// Resolution is the outcome of resolving one conflict.
type Resolution struct {
	ConflictID models.UUID             `json:"conflict_id"`
	MappingID  models.UUID             `json:"mapping_id"`
	Strategy   models.ConflictStrategy `json:"strategy"`
	Winner     models.Side             `json:"winner"`
	Loser      models.Side             `json:"loser"`
	// Payload is pushed toward Loser.
	Payload models.Payload `json:"payload"`
	// Discarded is the losing snapshot, kept for audit.
	Discarded models.Payload `json:"discarded,omitempty"`
}

// Direction returns the queue direction carrying Payload to the loser.
func (res *Resolution) Direction() models.Direction {
	return models.DirectionToward(res.Loser)
}

// Resolve applies strategy, or the default when empty, to c.
func (r *Resolver) Resolve(c *models.SyncConflict, strategy models.ConflictStrategy) (*Resolution, error) {
	if c == nil {
		return nil, ErrInvalidConflict
	}
	if c.Resolved() {
		return nil, ErrAlreadyResolved
	}
	if strategy == "" {
		strategy = r.strategy
	}
	if _, err := models.ParseConflictStrategy(string(strategy)); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "unknown resolution strategy", err)
	}

	logging.Info("Resolving conflict", map[string]interface{}{
		"conflict_id":      c.ID,
		"mapping_id":       c.MappingID,
		"cms_updated_at":   c.CMSUpdatedAt,
		"forum_updated_at": c.ForumUpdatedAt,
		"strategy":         strategy,
	})

	winner := winnerFor(c, strategy)
	loser := winner.Other()

	payload := c.Snapshot(winner).Clone()
	if strategy == models.StrategyMergePreferCMS || strategy == models.StrategyMergePreferForum {
		payload = Merge(c.Snapshot(winner), c.Snapshot(loser))
	}

	res := &Resolution{
		ConflictID: c.ID,
		MappingID:  c.MappingID,
		Strategy:   strategy,
		Winner:     winner,
		Loser:      loser,
		Payload:    payload,
		Discarded:  c.Snapshot(loser).Clone(),
	}

	logging.Info("Conflict resolved", map[string]interface{}{
		"conflict_id": c.ID,
		"mapping_id":  c.MappingID,
		"strategy":    strategy,
		"winner_side": winner,
		"loser_side":  loser,
	})
	return res, nil
}

func winnerFor(c *models.SyncConflict, strategy models.ConflictStrategy) models.Side {
	switch strategy {
	case models.StrategyPreferCMS, models.StrategyMergePreferCMS:
		return models.SideCMS
	case models.StrategyPreferForum, models.StrategyMergePreferForum:
		return models.SideForum
	}
	// prefer_most_recent: an exact tie goes to the CMS.
	if c.ForumUpdatedAt.After(c.CMSUpdatedAt) {
		return models.SideForum
	}
	return models.SideCMS
}

// Errors
var (
	ErrInvalidConflict = apperrors.New(apperrors.ErrInvalid, "invalid conflict: nil")
	ErrAlreadyResolved = apperrors.New(apperrors.ErrInvalidTransition, "conflict already resolved")
)
