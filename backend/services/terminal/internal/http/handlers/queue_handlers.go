package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"fuelpos/backend/services/terminal/internal/events"
	"fuelpos/backend/services/terminal/internal/models"
	"fuelpos/backend/services/terminal/internal/syncer"
)

// Queue is the offline queue as seen by the UI.
type Queue interface {
	List() []models.OfflineTransaction
	Get(key string) (models.OfflineTransaction, bool)
	Remove(key string) error
	Count() int
}

// Syncer runs a manual sync pass.
type Syncer interface {
	SyncNow(ctx context.Context) (syncer.Result, error)
}

// OutcomeRecorder journals sale outcomes.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, key, status, transactionID, detail string) error
}

// QueueHandlers list, sync and discard queued sales.
type QueueHandlers struct {
	queue     Queue
	syncer    Syncer
	recorder  OutcomeRecorder
	publisher events.Publisher
	logger    *zap.Logger
}

// NewQueueHandlers returns handler set. recorder and publisher may be nil.
func NewQueueHandlers(queue Queue, syncer Syncer, recorder OutcomeRecorder, publisher events.Publisher, logger *zap.Logger) *QueueHandlers {
	return &QueueHandlers{
		queue:     queue,
		syncer:    syncer,
		recorder:  recorder,
		publisher: publisher,
		logger:    logger,
	}
}

// List handles GET /api/queue.
func (h *QueueHandlers) List(w http.ResponseWriter, r *http.Request) {
	items := h.queue.List()
	if items == nil {
		items = []models.OfflineTransaction{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"count": len(items),
	})
}

// Sync handles POST /api/queue/sync.
func (h *QueueHandlers) Sync(w http.ResponseWriter, r *http.Request) {
	res, err := h.syncer.SyncNow(r.Context())
	if err != nil {
		if errors.Is(err, syncer.ErrOffline) {
			writeError(w, http.StatusServiceUnavailable, "terminal is offline")
			return
		}
		h.logger.Error("manual sync failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "sync failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Discard handles DELETE /api/queue/{key}. The route is guarded by the supervisor PIN.
func (h *QueueHandlers) Discard(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	tx, ok := h.queue.Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, "queued sale not found")
		return
	}
	if err := h.queue.Remove(key); err != nil {
		h.logger.Error("discard queued sale failed", zap.String("idempotency_key", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to discard queued sale")
		return
	}

	h.logger.Warn("queued sale discarded by supervisor",
		zap.String("idempotency_key", key),
		zap.Float64("amount", tx.Draft.Amount()))
	if h.recorder != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), time.Second)
		if err := h.recorder.RecordOutcome(ctx, key, "discarded", "", "discarded by supervisor"); err != nil {
			h.logger.Debug("journal discard failed", zap.Error(err))
		}
		cancel()
	}
	if h.publisher != nil {
		h.publisher.Publish(events.TypeQueueDiscarded, map[string]interface{}{
			"idempotencyKey": key,
			"draft":          tx.Draft,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"discarded": key,
		"remaining": h.queue.Count(),
	})
}
