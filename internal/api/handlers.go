package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/kimhsiao/bridgesync/internal/errors"
	"github.com/kimhsiao/bridgesync/internal/logging"
	"github.com/kimhsiao/bridgesync/internal/models"
	"github.com/kimhsiao/bridgesync/internal/sync/batch"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func (s *Server) syncBatch(c *gin.Context) {
	if !s.syncEnabled {
		writeError(c, apperrors.New(apperrors.ErrSyncDisabled, "sync is disabled"))
		return
	}

	var in batch.SyncBatch
	if err := c.ShouldBindJSON(&in); err != nil {
		writeError(c, apperrors.Wrap(apperrors.ErrInvalid, "malformed batch body", err))
		return
	}

	principal := batch.Principal{}
	if claims := ClaimsFromContext(c); claims != nil {
		principal.UserID = claims.UserID
	}

	resp, err := s.receiver.ReceiveBatch(c.Request.Context(), principal, &in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// webhookEvent is the notification body both platforms send.
type webhookEvent struct {
	EventName      string      `json:"event_name"`
	EntityRemoteID string      `json:"entity_remote_id"`
	UpdatedAt      interface{} `json:"updated_at"`
}

// webhook records a platform's change notification. It always answers 200:
// malformed bodies and unknown entities are logged and ignored.
func (s *Server) webhook(sideName string) gin.HandlerFunc {
	side := models.Side(sideName)
	return func(c *gin.Context) {
		var ev webhookEvent
		if err := c.ShouldBindJSON(&ev); err != nil {
			logging.Warn("Ignoring malformed webhook", map[string]interface{}{"side": side, "error": err.Error()})
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		ts, ok := parseWebhookTime(ev.UpdatedAt)
		if ev.EntityRemoteID == "" || !ok {
			logging.Warn("Ignoring incomplete webhook", map[string]interface{}{
				"side":       side,
				"event_name": ev.EventName,
			})
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}

		ctx := c.Request.Context()
		m, err := s.engine.Mappings().GetByRemote(ctx, "", side, ev.EntityRemoteID)
		if err != nil {
			if !apperrors.Is(err, apperrors.ErrNotFound) {
				logging.Error("Webhook lookup failed", err, map[string]interface{}{"side": side, "remote_id": ev.EntityRemoteID})
			}
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}

		advanced, err := s.engine.Mappings().TouchRemote(ctx, m.ID, side, ts)
		if err != nil {
			logging.Error("Webhook update failed", err, map[string]interface{}{"mapping_id": m.ID})
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		logging.Info("Webhook recorded", map[string]interface{}{
			"side":       side,
			"event_name": ev.EventName,
			"mapping_id": m.ID,
			"advanced":   advanced,
		})
		c.JSON(http.StatusOK, gin.H{"status": "accepted", "mapping_id": m.ID, "advanced": advanced})
	}
}

// parseWebhookTime accepts RFC 3339 strings and unix seconds.
func parseWebhookTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(t)); err == nil {
			return ts.UTC(), true
		}
		if secs, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil && secs > 0 {
			return time.Unix(secs, 0).UTC(), true
		}
	case float64:
		if t > 0 {
			return time.Unix(int64(t), 0).UTC(), true
		}
	}
	return time.Time{}, false
}

func (s *Server) listQueue(c *gin.Context) {
	st := models.QueueStatusPending
	if raw := c.Query("status"); raw != "" {
		parsed, err := models.ParseQueueStatus(raw)
		if err != nil {
			writeError(c, apperrors.Wrap(apperrors.ErrInvalid, "invalid status", err))
			return
		}
		st = parsed
	}
	items, err := s.engine.Queue().ListByStatus(c.Request.Context(), st, queryLimit(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "status": st})
}

func (s *Server) queueStats(c *gin.Context) {
	stats, err := s.engine.Queue().Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) requeue(c *gin.Context) {
	id := models.UUID(c.Param("id"))
	if err := s.engine.Queue().Requeue(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	item, err := s.engine.Queue().Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (s *Server) listConflicts(c *gin.Context) {
	openOnly := c.Query("all") != "true"
	conflicts, err := s.store.ListConflicts(c.Request.Context(), openOnly, queryLimit(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": conflicts})
}

type resolveRequest struct {
	Strategy models.ConflictStrategy `json:"strategy"`
}

func (s *Server) resolveConflict(c *gin.Context) {
	var req resolveRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, apperrors.Wrap(apperrors.ErrInvalid, "malformed resolve body", err))
			return
		}
	}
	res, err := s.engine.ResolveConflict(c.Request.Context(), models.UUID(c.Param("id")), req.Strategy)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) mappingStatus(c *gin.Context) {
	report, err := s.tracker.Report(c.Request.Context(), models.UUID(c.Param("id")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

type syncToggleRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// setMappingSync turns propagation for one mapping on or off and answers
// with its status report.
func (s *Server) setMappingSync(c *gin.Context) {
	var req syncToggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.Wrap(apperrors.ErrInvalid, "body must set enabled", err))
		return
	}
	ctx := c.Request.Context()
	id := models.UUID(c.Param("id"))
	if err := s.engine.Mappings().SetSyncEnabled(ctx, id, *req.Enabled); err != nil {
		writeError(c, err)
		return
	}
	report, err := s.tracker.Report(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// mappingHistory lists every queue item and conflict of a mapping.
func (s *Server) mappingHistory(c *gin.Context) {
	var only models.QueueStatus
	if raw := c.Query("status"); raw != "" {
		parsed, err := models.ParseQueueStatus(raw)
		if err != nil {
			writeError(c, apperrors.Wrap(apperrors.ErrInvalid, "invalid status", err))
			return
		}
		only = parsed
	}

	ctx := c.Request.Context()
	m, err := s.engine.Mappings().Get(ctx, models.UUID(c.Param("id")))
	if err != nil {
		writeError(c, err)
		return
	}
	all, err := s.engine.Queue().ListForMapping(ctx, m.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	items := make([]*models.SyncQueueItem, 0, len(all))
	for _, item := range all {
		if only == "" || item.Status == only {
			items = append(items, item)
		}
	}
	conflicts, err := s.store.ListConflictsForMapping(ctx, m.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	if conflicts == nil {
		conflicts = []*models.SyncConflict{}
	}
	c.JSON(http.StatusOK, gin.H{"mapping": m, "items": items, "conflicts": conflicts})
}

func (s *Server) workerStatus(c *gin.Context) {
	if s.worker == nil {
		c.JSON(http.StatusOK, gin.H{"is_running": false})
		return
	}
	c.JSON(http.StatusOK, s.worker.GetStatus(c.Request.Context()))
}

func (s *Server) runMaintenance(c *gin.Context) {
	if s.maint == nil {
		writeError(c, apperrors.New(apperrors.ErrInvalid, "maintenance is not configured"))
		return
	}
	report, err := s.maint.Run(c.Request.Context())
	if err != nil {
		writeError(c, apperrors.Wrap(apperrors.ErrStorage, "maintenance failed", err))
		return
	}
	c.JSON(http.StatusOK, report)
}

func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
