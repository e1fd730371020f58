// Package worker drains the sync queue by pushing each item to its target
// platform.
package worker

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/bridgesync/internal/errors"
	"github.com/kimhsiao/bridgesync/internal/logging"
	"github.com/kimhsiao/bridgesync/internal/models"
	"github.com/kimhsiao/bridgesync/internal/platform"
	syncpkg "github.com/kimhsiao/bridgesync/internal/sync"
	"github.com/kimhsiao/bridgesync/internal/sync/queue"
)

// ErrCycleInProgress is returned by RunOnce while another cycle runs.
var ErrCycleInProgress = apperrors.New(apperrors.ErrInvalidTransition, "worker cycle already in progress")

// Config holds worker configuration.
type Config struct {
	PollInterval time.Duration // Delay between cycles when idle or after a retry (default: 30 seconds)
	CallTimeout  time.Duration // Bound on each platform call (default: 30 seconds)
	BatchSize    int           // Items dequeued per cycle (default: 100)
}

// DefaultConfig returns the default worker configuration.
func DefaultConfig() *Config {
	return &Config{
		PollInterval: 30 * time.Second,
		CallTimeout:  platform.DefaultTimeout,
		BatchSize:    100,
	}
}

// RunResult counts what one cycle did.
type RunResult struct {
	Claimed   int `json:"claimed"`
	Completed int `json:"completed"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`

	// Unrecorded counts pushed items whose bookkeeping is retried next cycle.
	Unrecorded int `json:"unrecorded"`
}

// pushed is a successful push whose bookkeeping has not been stored yet.
type pushed struct {
	item   *models.SyncQueueItem
	result syncpkg.PushResult
}

// Worker moves queue items Pending -> Processing -> Completed, back to
// Pending for a retry, or Failed.
type Worker struct {
	engine  *syncpkg.Engine
	queue   *queue.Queue
	clients platform.Clients
	cfg     Config

	cancel     context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.RWMutex
	isRunning  bool
	inProgress bool
	lastRun    time.Time
	totals     RunResult
	// unrecorded items stay Processing until their bookkeeping is stored.
	unrecorded map[models.UUID]pushed
}

// New creates a Worker.
func New(engine *syncpkg.Engine, clients platform.Clients, cfg *Config) *Worker {
	def := DefaultConfig()
	if cfg == nil {
		cfg = def
	}
	c := *cfg
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	return &Worker{
		engine:     engine,
		queue:      engine.Queue(),
		clients:    clients,
		cfg:        c,
		unrecorded: make(map[models.UUID]pushed),
	}
}

// Start runs the worker loop in the background until Stop or ctx is done.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.isRunning {
		w.mu.Unlock()
		return
	}
	w.isRunning = true
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop(runCtx)

	logging.Info("Sync worker started", map[string]interface{}{
		"poll_interval_seconds": w.cfg.PollInterval.Seconds(),
		"batch_size":            w.cfg.BatchSize,
	})
}

// Stop stops the loop and waits for the item in flight to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.isRunning {
		w.mu.Unlock()
		return
	}
	w.isRunning = false
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	w.wg.Wait()

	logging.Info("Sync worker stopped", nil)
}

// IsRunning returns whether the loop is running.
func (w *Worker) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.isRunning
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()

	var wait time.Duration
	for {
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		items, err := w.queue.DequeueBlocking(ctx, w.cfg.BatchSize, w.cfg.PollInterval)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logging.ErrorWithCode("Failed to read sync queue", string(apperrors.CodeOf(err)), err, nil)
			wait = w.cfg.PollInterval
			continue
		}

		res, err := w.run(ctx, items)
		if err != nil {
			wait = w.cfg.PollInterval
			continue
		}
		// Retried items wait a full interval so attempts are spread out.
		wait = 0
		if res.Retried > 0 || res.Unrecorded > 0 {
			wait = w.cfg.PollInterval
		}
	}
}

// RunOnce processes one batch of Pending items and returns what happened.
func (w *Worker) RunOnce(ctx context.Context) (*RunResult, error) {
	items, err := w.queue.DequeuePending(ctx, w.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	return w.run(ctx, items)
}

func (w *Worker) run(ctx context.Context, items []*models.SyncQueueItem) (*RunResult, error) {
	w.mu.Lock()
	if w.inProgress {
		w.mu.Unlock()
		return nil, ErrCycleInProgress
	}
	w.inProgress = true
	w.mu.Unlock()

	res := &RunResult{}
	defer func() {
		w.mu.Lock()
		w.inProgress = false
		w.lastRun = time.Now().UTC()
		w.totals.Claimed += res.Claimed
		w.totals.Completed += res.Completed
		w.totals.Retried += res.Retried
		w.totals.Failed += res.Failed
		w.totals.Skipped += res.Skipped
		w.totals.Unrecorded += res.Unrecorded
		w.mu.Unlock()
	}()

	w.recordPending(context.WithoutCancel(ctx), res)
	for _, item := range items {
		// Stop only between items.
		if ctx.Err() != nil {
			break
		}
		w.process(context.WithoutCancel(ctx), item, res)
	}

	if len(items) > 0 || res.Completed > 0 {
		logging.Info("Sync cycle completed", map[string]interface{}{
			"claimed":    res.Claimed,
			"completed":  res.Completed,
			"retried":    res.Retried,
			"failed":     res.Failed,
			"skipped":    res.Skipped,
			"unrecorded": res.Unrecorded,
		})
	}
	return res, nil
}

// recordPending retries the bookkeeping of items pushed in an earlier cycle.
// They are never pushed again.
func (w *Worker) recordPending(ctx context.Context, res *RunResult) {
	w.mu.Lock()
	retry := make([]pushed, 0, len(w.unrecorded))
	for _, p := range w.unrecorded {
		retry = append(retry, p)
	}
	w.mu.Unlock()

	for _, p := range retry {
		w.record(ctx, p.item, p.result, res)
	}
}

// record stores the outcome of a successful push. A storage failure keeps
// the item Processing and retries the bookkeeping next cycle; any other
// failure fails the item for good, since pushing again would create the
// entity twice.
func (w *Worker) record(ctx context.Context, item *models.SyncQueueItem, result syncpkg.PushResult, res *RunResult) {
	err := w.engine.CompletePush(ctx, item, result)
	if err == nil {
		w.forget(item.ID)
		res.Completed++
		return
	}

	fields := map[string]interface{}{
		"item_id":    item.ID,
		"mapping_id": item.MappingID,
		"remote_id":  result.RemoteID,
	}
	if apperrors.IsRetryable(err) {
		logging.ErrorWithCode("Failed to record pushed item, will retry the bookkeeping", string(apperrors.CodeOf(err)), err, fields)
		w.mu.Lock()
		w.unrecorded[item.ID] = pushed{item: item, result: result}
		w.mu.Unlock()
		res.Unrecorded++
		return
	}

	logging.ErrorWithCode("Pushed item cannot be recorded", string(apperrors.CodeOf(err)), err, fields)
	w.forget(item.ID)
	cause := apperrors.Wrap(apperrors.CodeOf(err),
		"pushed to "+string(item.Direction.Target())+" as "+result.RemoteID+" but not recorded", err)
	w.fail(ctx, item, cause, true, res)
}

func (w *Worker) forget(id models.UUID) {
	w.mu.Lock()
	delete(w.unrecorded, id)
	w.mu.Unlock()
}

func (w *Worker) process(ctx context.Context, item *models.SyncQueueItem, res *RunResult) {
	if err := w.queue.MarkProcessing(ctx, item.ID); err != nil {
		if !apperrors.Is(err, apperrors.ErrInvalidTransition) {
			logging.Error("Failed to claim queue item", err, map[string]interface{}{"item_id": item.ID})
		}
		res.Skipped++
		return
	}
	res.Claimed++

	target := item.Direction.Target()
	m, err := w.engine.Mappings().Get(ctx, item.MappingID)
	if err != nil {
		w.fail(ctx, item, err, !apperrors.IsRetryable(err), res)
		return
	}
	client, err := w.clients.For(target)
	if err != nil {
		w.fail(ctx, item, err, true, res)
		return
	}

	req := platform.Request{
		EntityType: m.EntityType,
		Operation:  item.Operation,
		RemoteID:   m.RemoteID(target),
		LocalID:    m.LocalID,
		Payload:    item.Payload,
	}
	switch {
	case req.Operation == models.OperationUpdate && req.RemoteID == "":
		req.Operation = models.OperationCreate
	case req.Operation == models.OperationCreate && req.RemoteID != "":
		req.Operation = models.OperationUpdate
	}

	var resp *platform.Response
	if req.Operation == models.OperationDelete && req.RemoteID == "" {
		resp = &platform.Response{}
	} else {
		callCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
		resp, err = client.Push(callCtx, req)
		cancel()
		if err != nil {
			w.fail(ctx, item, err, platform.IsPermanent(err), res)
			return
		}
	}

	w.record(ctx, item, syncpkg.PushResult{RemoteID: resp.RemoteID, UpdatedAt: resp.UpdatedAt}, res)
}

func (w *Worker) fail(ctx context.Context, item *models.SyncQueueItem, cause error, permanent bool, res *RunResult) {
	var (
		updated *models.SyncQueueItem
		err     error
	)
	if permanent {
		updated, err = w.queue.MarkPermanentFailure(ctx, item.ID, cause)
	} else {
		updated, err = w.queue.MarkFailed(ctx, item.ID, cause)
	}
	if err != nil {
		logging.Error("Failed to record queue item failure", err, map[string]interface{}{"item_id": item.ID})
		res.Skipped++
		return
	}

	if updated.Status == models.QueueStatusFailed {
		res.Failed++
	} else {
		res.Retried++
	}
	w.engine.Emit(syncpkg.SyncEvent{
		Type:      syncpkg.SyncEventItemFailed,
		MappingID: item.MappingID,
		ItemID:    item.ID,
		Message:   cause.Error(),
		Data: map[string]interface{}{
			"status":    updated.Status,
			"attempt":   updated.AttemptCount,
			"permanent": permanent,
		},
	})
}

// Status is a snapshot of the worker.
type Status struct {
	IsRunning   bool               `json:"is_running"`
	InProgress  bool               `json:"in_progress"`
	LastRunTime *time.Time         `json:"last_run_time,omitempty"`
	Totals      RunResult          `json:"totals"`
	QueueStats  *models.QueueStats `json:"queue_stats,omitempty"`
}

// GetStatus returns the current status of the worker.
func (w *Worker) GetStatus(ctx context.Context) Status {
	w.mu.RLock()
	status := Status{
		IsRunning:  w.isRunning,
		InProgress: w.inProgress,
		Totals:     w.totals,
	}
	if !w.lastRun.IsZero() {
		last := w.lastRun
		status.LastRunTime = &last
	}
	w.mu.RUnlock()

	if stats, err := w.queue.Stats(ctx); err == nil {
		status.QueueStats = stats
	}
	return status
}
