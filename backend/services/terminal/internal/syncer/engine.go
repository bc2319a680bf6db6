package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"fuelpos/backend/services/terminal/internal/events"
	"fuelpos/backend/services/terminal/internal/models"
)

const defaultSubmitTimeout = 15 * time.Second

// ErrOffline is returned by SyncNow while connectivity is down.
var ErrOffline = errors.New("sync: terminal is offline")

// Queue is the part of the offline queue the engine drains.
type Queue interface {
	List() []models.OfflineTransaction
	Remove(key string) error
	Count() int
}

// Submitter sends one sale to the server.
type Submitter interface {
	SubmitSale(ctx context.Context, req models.SaleRequest) (models.SaleReceipt, error)
}

// OutcomeRecorder journals sale outcomes.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, key, status, transactionID, detail string) error
}

// SyncError is the failure of one queued sale in a pass.
type SyncError struct {
	IdempotencyKey string `json:"idempotencyKey"`
	Err            error  `json:"-"`
	Message        string `json:"message"`
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync: %s: %v", e.IdempotencyKey, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Result summarises a pass.
type Result struct {
	SyncedCount    int                  `json:"syncedCount"`
	RemainingCount int                  `json:"remainingCount"`
	Receipts       []models.SaleReceipt `json:"receipts,omitempty"`
	Failures       []*SyncError         `json:"failures,omitempty"`
}

// Engine drains the offline queue. One pass runs at a time; triggers that
// arrive during a pass collapse into a single follow-up pass.
type Engine struct {
	queue         Queue
	submitter     Submitter
	online        func() bool
	recorder      OutcomeRecorder
	publisher     events.Publisher
	submitTimeout time.Duration
	logger        *zap.Logger

	passMu  sync.Mutex
	trigger chan struct{}
}

// NewEngine builds an engine. online, recorder and publisher may be nil.
func NewEngine(queue Queue, submitter Submitter, online func() bool, recorder OutcomeRecorder, publisher events.Publisher, submitTimeout time.Duration, logger *zap.Logger) *Engine {
	if submitTimeout <= 0 {
		submitTimeout = defaultSubmitTimeout
	}
	if online == nil {
		online = func() bool { return true }
	}
	return &Engine{
		queue:         queue,
		submitter:     submitter,
		online:        online,
		recorder:      recorder,
		publisher:     publisher,
		submitTimeout: submitTimeout,
		logger:        logger,
		trigger:       make(chan struct{}, 1),
	}
}

// Trigger asks for a pass without waiting for it.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run serves triggers until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.trigger:
			if !e.online() {
				e.logger.Debug("sync trigger ignored while offline")
				continue
			}
			if e.queue.Count() == 0 {
				continue
			}
			e.pass(ctx)
		}
	}
}

// SyncNow runs a pass and waits for it, queuing behind a pass already in flight.
func (e *Engine) SyncNow(ctx context.Context) (Result, error) {
	if !e.online() {
		return Result{RemainingCount: e.queue.Count()}, ErrOffline
	}
	return e.pass(ctx), nil
}

func (e *Engine) pass(ctx context.Context) Result {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	var res Result
	snapshot := e.queue.List()
	for _, tx := range snapshot {
		if ctx.Err() != nil {
			break
		}

		receipt, err := e.submit(ctx, tx)
		if err != nil {
			syncErr := &SyncError{IdempotencyKey: tx.IdempotencyKey, Err: err, Message: err.Error()}
			res.Failures = append(res.Failures, syncErr)
			e.logger.Warn("queued sale not synced", zap.String("idempotency_key", tx.IdempotencyKey), zap.Error(err))
			e.recordOutcome(tx.IdempotencyKey, "sync_failed", "", err.Error())
			continue
		}

		if err := e.queue.Remove(tx.IdempotencyKey); err != nil {
			// The server has the sale; the key keeps a later pass from creating a second one.
			e.logger.Error("synced sale could not be removed from queue", zap.String("idempotency_key", tx.IdempotencyKey), zap.Error(err))
		}
		res.SyncedCount++
		res.Receipts = append(res.Receipts, receipt)
		e.recordOutcome(tx.IdempotencyKey, "synced", receipt.TransactionID, "")
		e.publish(events.TypeSubmitted, map[string]any{
			"idempotencyKey": tx.IdempotencyKey,
			"receipt":        receipt,
			"fromQueue":      true,
		})
	}

	res.RemainingCount = e.queue.Count()
	e.logger.Info("sync pass finished",
		zap.Int("synced", res.SyncedCount),
		zap.Int("failed", len(res.Failures)),
		zap.Int("remaining", res.RemainingCount))
	e.publish(events.TypeSyncResult, res)
	return res
}

func (e *Engine) submit(ctx context.Context, tx models.OfflineTransaction) (models.SaleReceipt, error) {
	submitCtx, cancel := context.WithTimeout(ctx, e.submitTimeout)
	defer cancel()
	return e.submitter.SubmitSale(submitCtx, tx.Request())
}

func (e *Engine) recordOutcome(key, status, transactionID, detail string) {
	if e.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.recorder.RecordOutcome(ctx, key, status, transactionID, detail); err != nil {
		e.logger.Debug("journal sync outcome failed", zap.Error(err))
	}
}

func (e *Engine) publish(eventType string, data any) {
	if e.publisher != nil {
		e.publisher.Publish(eventType, data)
	}
}
