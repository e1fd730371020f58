// Package batch implements the peer exchange behind POST /sync/batch: a peer
// uploads its changes and receives the operations queued for it.
package batch

import (
	"context"
	"time"

	apperrors "github.com/kimhsiao/bridgesync/internal/errors"
	"github.com/kimhsiao/bridgesync/internal/logging"
	"github.com/kimhsiao/bridgesync/internal/models"
	syncpkg "github.com/kimhsiao/bridgesync/internal/sync"
	"github.com/kimhsiao/bridgesync/internal/sync/conflict"
	"github.com/kimhsiao/bridgesync/internal/sync/mapping"
	"github.com/kimhsiao/bridgesync/internal/sync/queue"
)

// DefaultBatchSize caps the operations handed out per exchange.
const DefaultBatchSize = 100

// NothingPending is the message returned when no operation is queued for the
// caller.
const NothingPending = "Sync successful"

// Principal is the authenticated caller.
type Principal struct {
	UserID string
}

// Operation is one change uploaded by a peer.
type Operation struct {
	EntityType      string           `json:"entity_type"`
	Op              models.Operation `json:"op"`
	LocalID         string           `json:"local_id,omitempty"`
	RemoteID        string           `json:"remote_id,omitempty"`
	Payload         models.Payload   `json:"payload"`
	ClientTimestamp time.Time        `json:"client_timestamp"`
}

// SyncBatch is the request body of an exchange.
type SyncBatch struct {
	UserID string `json:"user_id"`
	// Source is the platform the peer speaks for. Defaults to the forum.
	Source models.Side `json:"source,omitempty"`
	// Cursor acknowledges every operation received up to this sequence.
	Cursor     int64       `json:"cursor,omitempty"`
	Operations []Operation `json:"operations"`
}

// ResultStatus is the outcome of one uploaded operation.
type ResultStatus string

const (
	ResultApplied   ResultStatus = "applied"
	ResultDuplicate ResultStatus = "duplicate"
	ResultStale     ResultStatus = "stale"
	ResultRejected  ResultStatus = "rejected"
	ResultConflict  ResultStatus = "conflict"
)

// OperationResult reports what happened to one uploaded operation.
type OperationResult struct {
	Index     int          `json:"index"`
	Status    ResultStatus `json:"status"`
	MappingID models.UUID  `json:"mapping_id,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// OutgoingOperation is a queued change handed to the peer.
type OutgoingOperation struct {
	Seq        int64            `json:"seq"`
	ItemID     models.UUID      `json:"item_id"`
	MappingID  models.UUID      `json:"mapping_id"`
	EntityType string           `json:"entity_type"`
	Op         models.Operation `json:"op"`
	LocalID    string           `json:"local_id"`
	RemoteID   string           `json:"remote_id,omitempty"`
	Payload    models.Payload   `json:"payload"`
	CreatedAt  time.Time        `json:"created_at"`
}

// Response is the answer to an exchange. Operations is empty and Message set
// when nothing is pending for the caller.
type Response struct {
	Operations []OutgoingOperation `json:"operations,omitempty"`
	Results    []OperationResult   `json:"results"`
	Cursor     int64               `json:"cursor,omitempty"`
	Message    string              `json:"message,omitempty"`
}

// Receiver handles batch exchanges.
type Receiver struct {
	observer  syncpkg.ChangeObserver
	acker     syncpkg.DeliveryAcker
	queue     *queue.Queue
	mappings  *mapping.Store
	batchSize int
}

// NewReceiver creates a Receiver over engine.
func NewReceiver(engine *syncpkg.Engine, batchSize int) *Receiver {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Receiver{
		observer:  engine,
		acker:     engine,
		queue:     engine.Queue(),
		mappings:  engine.Mappings(),
		batchSize: batchSize,
	}
}

// Authorize checks that the batch belongs to the caller.
func Authorize(principal Principal, in *SyncBatch) error {
	if principal.UserID == "" {
		return apperrors.New(apperrors.ErrAuth, "unauthenticated")
	}
	if in == nil || in.UserID == "" {
		return apperrors.New(apperrors.ErrInvalid, "user_id is required")
	}
	if in.UserID != principal.UserID {
		return apperrors.Newf(apperrors.ErrAuthorization, "user %s may not sync on behalf of %s",
			principal.UserID, in.UserID)
	}
	return nil
}

// ReceiveBatch acknowledges the caller's cursor, applies every uploaded
// operation independently and hands out up to the batch size of operations
// queued for the caller. The acknowledgement comes first so that uploads
// confirming what the peer just applied are compared against it. Only authorization and storage failures while
// assembling the answer fail the whole call; per-operation failures are
// reported in Results.
func (r *Receiver) ReceiveBatch(ctx context.Context, principal Principal, in *SyncBatch) (*Response, error) {
	if err := Authorize(principal, in); err != nil {
		return nil, err
	}
	source := in.Source
	if source == "" {
		source = models.SideForum
	}
	if !source.Valid() {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "invalid source %q", in.Source)
	}

	acked, err := r.acker.AckDelivered(ctx, principal.UserID, in.Cursor)
	if err != nil {
		return nil, err
	}

	resp := &Response{Results: make([]OperationResult, 0, len(in.Operations))}
	for i, op := range in.Operations {
		resp.Results = append(resp.Results, r.apply(ctx, i, source, op))
	}

	outgoing, err := r.outgoing(ctx, principal.UserID)
	if err != nil {
		return nil, err
	}
	if len(outgoing) == 0 {
		resp.Message = NothingPending
	} else {
		resp.Operations = outgoing
		resp.Cursor = outgoing[len(outgoing)-1].Seq
	}

	logging.Info("Batch exchanged", map[string]interface{}{
		"user_id":  principal.UserID,
		"source":   source,
		"received": len(in.Operations),
		"sent":     len(outgoing),
		"cursor":   in.Cursor,
		"acked":    acked,
	})
	return resp, nil
}

func (r *Receiver) apply(ctx context.Context, index int, source models.Side, op Operation) OperationResult {
	result := OperationResult{Index: index}

	res, err := r.observer.ObserveChange(ctx, syncpkg.Observation{
		EntityType: op.EntityType,
		LocalID:    op.LocalID,
		Side:       source,
		RemoteID:   op.RemoteID,
		Operation:  op.Op,
		Payload:    op.Payload,
		UpdatedAt:  op.ClientTimestamp,
	})
	if err != nil {
		logging.Warn("Batch operation rejected", map[string]interface{}{
			"index":       index,
			"entity_type": op.EntityType,
			"remote_id":   op.RemoteID,
			"error":       err.Error(),
		})
		result.Status = ResultRejected
		result.Error = err.Error()
		return result
	}

	result.MappingID = res.Mapping.ID
	switch {
	case res.Duplicate:
		result.Status = ResultDuplicate
	case res.Stale:
		result.Status = ResultStale
	case res.Outcome == conflict.OutcomeConflict:
		result.Status = ResultConflict
	default:
		result.Status = ResultApplied
	}
	return result
}

func (r *Receiver) outgoing(ctx context.Context, scopeID string) ([]OutgoingOperation, error) {
	items, err := r.queue.PendingForScope(ctx, scopeID, r.batchSize)
	if err != nil || len(items) == 0 {
		return nil, err
	}

	out := make([]OutgoingOperation, 0, len(items))
	for _, item := range items {
		m, err := r.mappings.Get(ctx, item.MappingID)
		if err != nil {
			return nil, err
		}
		out = append(out, OutgoingOperation{
			Seq:        item.Seq,
			ItemID:     item.ID,
			MappingID:  item.MappingID,
			EntityType: m.EntityType,
			Op:         item.Operation,
			LocalID:    m.LocalID,
			RemoteID:   m.RemoteID(item.Direction.Target()),
			Payload:    item.Payload,
			CreatedAt:  item.CreatedAt,
		})
	}
	if err := r.queue.MarkDelivered(ctx, items); err != nil {
		return nil, err
	}
	return out, nil
}
