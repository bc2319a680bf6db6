package transaction

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"fuelpos/backend/services/terminal/internal/catalog"
	"fuelpos/backend/services/terminal/internal/clients"
	"fuelpos/backend/services/terminal/internal/device"
	"fuelpos/backend/services/terminal/internal/events"
	"fuelpos/backend/services/terminal/internal/models"
	"fuelpos/backend/services/terminal/internal/protocol"
	"fuelpos/backend/services/terminal/internal/queue"
)

const (
	defaultInboxSize     = 64
	defaultSubmitTimeout = 15 * time.Second
	defaultLookupTimeout = 3 * time.Second
	journalTimeout       = time.Second
)

var newKey = models.NewIdempotencyKey

// Source tells where a reading came from.
type Source string

const (
	SourceDevice Source = "device"
	SourceManual Source = "manual"
)

// Status is the final state of one capture.
type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusQueued    Status = "queued"
	StatusRejected  Status = "rejected"
	StatusFailed    Status = "failed"
)

// Reading is a volume waiting to become a sale.
type Reading struct {
	FuelType   string    `json:"fuelType"`
	Liters     float64   `json:"liters"`
	Source     Source    `json:"source"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Outcome is what the operator sees for a capture.
type Outcome struct {
	Status         Status               `json:"status"`
	Source         Source               `json:"source"`
	Draft          *models.SaleDraft    `json:"draft,omitempty"`
	IdempotencyKey string               `json:"idempotencyKey,omitempty"`
	Receipt        *models.SaleReceipt  `json:"receipt,omitempty"`
	Warnings       []*ValidationWarning `json:"warnings,omitempty"`
	Message        string               `json:"message,omitempty"`
	PendingCount   int                  `json:"pendingCount,omitempty"`
}

// Settings are the operator choices that shape device-driven capture.
type Settings struct {
	FuelType   string `json:"fuelType"`
	AutoSubmit bool   `json:"autoSubmit"`
}

// SettingsUpdate changes the non-nil fields only.
type SettingsUpdate struct {
	FuelType   *string `json:"fuelType,omitempty"`
	AutoSubmit *bool   `json:"autoSubmit,omitempty"`
}

// Device is the part of the link the controller echoes results to.
type Device interface {
	State() device.State
	Send(command string, args any) error
}

// Queue is the part of the offline queue the controller writes.
type Queue interface {
	Enqueue(draft models.SaleDraft, opts ...queue.EnqueueOption) (models.OfflineTransaction, error)
	Count() int
}

// Submitter sends one sale to the server.
type Submitter interface {
	SubmitSale(ctx context.Context, req models.SaleRequest) (models.SaleReceipt, error)
}

// Connectivity reports the debounced online state.
type Connectivity interface {
	Online() bool
}

// OutcomeRecorder journals sale outcomes.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, key, status, transactionID, detail string) error
}

// Dependencies are the collaborators of the controller. Device, Recorder and
// Publisher may be nil.
type Dependencies struct {
	Device       Device
	Catalog      catalog.Provider
	Submitter    Submitter
	Queue        Queue
	Connectivity Connectivity
	Recorder     OutcomeRecorder
	Publisher    events.Publisher
}

// Config tunes the controller.
type Config struct {
	Precision     int32
	FuelType      string
	AutoSubmit    bool
	SubmitTimeout time.Duration
	LookupTimeout time.Duration
}

// Controller turns volume readings into sales. Device messages, operator
// commands and settings changes are all handled on the Run goroutine in
// arrival order, one at a time.
type Controller struct {
	deps   Dependencies
	cfg    Config
	logger *zap.Logger
	router *protocol.Router
	now    func() time.Time

	inbox   chan func(ctx context.Context)
	stopped chan struct{}
	runOnce sync.Once

	// written by the loop only
	mu       sync.RWMutex
	settings Settings
	pending  *Reading
}

// NewController returns a controller. Call Run to start processing.
func NewController(deps Dependencies, cfg Config, logger *zap.Logger) *Controller {
	if cfg.Precision < 0 {
		cfg.Precision = models.DefaultCurrencyPrecision
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = defaultSubmitTimeout
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = defaultLookupTimeout
	}
	c := &Controller{
		deps:    deps,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		inbox:   make(chan func(ctx context.Context), defaultInboxSize),
		stopped: make(chan struct{}),
		settings: Settings{
			FuelType:   strings.TrimSpace(cfg.FuelType),
			AutoSubmit: cfg.AutoSubmit,
		},
	}

	c.router = protocol.NewRouter()
	c.router.Register(protocol.KindVolume, c.onVolume)
	c.router.Register(protocol.KindSaleData, c.onSaleData)
	c.router.Register(protocol.KindStatusReport, c.onStatus)
	c.router.Register(protocol.KindError, c.onDeviceError)
	c.router.Register(protocol.KindAck, c.onAck)
	c.router.Fallback(c.onUnknown)
	return c
}

// Run processes events until ctx is done. It must be called once.
func (c *Controller) Run(ctx context.Context) error {
	ran := false
	c.runOnce.Do(func() {
		ran = true
		defer close(c.stopped)
		for {
			select {
			case <-ctx.Done():
				return
			case job := <-c.inbox:
				job(ctx)
			}
		}
	})
	if !ran {
		return errors.New("transaction: controller already ran")
	}
	return nil
}

// HandleMessage queues a device message for the loop. It blocks while the
// inbox is full so arrival order is kept.
func (c *Controller) HandleMessage(msg protocol.Message) {
	c.post(func(ctx context.Context) {
		if err := c.router.Route(ctx, msg); err != nil {
			c.logger.Warn("device message not handled", zap.String("kind", string(msg.Kind)), zap.Error(err))
		}
	})
}

// Capture runs a manually entered sale through price lookup, validation and
// submission. An empty fuelType selects the current setting.
func (c *Controller) Capture(ctx context.Context, fuelType string, liters float64) (Outcome, error) {
	var (
		out Outcome
		err error
	)
	if callErr := c.call(ctx, func(loopCtx context.Context) {
		if strings.TrimSpace(fuelType) == "" {
			fuelType = c.Settings().FuelType
		}
		out, err = c.process(loopCtx, Reading{
			FuelType:   fuelType,
			Liters:     liters,
			Source:     SourceManual,
			ReceivedAt: c.now().UTC(),
		})
	}); callErr != nil {
		return Outcome{}, callErr
	}
	return out, err
}

// Confirm submits the device reading held for confirmation.
func (c *Controller) Confirm(ctx context.Context) (Outcome, error) {
	var (
		out Outcome
		err error
	)
	if callErr := c.call(ctx, func(loopCtx context.Context) {
		c.mu.Lock()
		reading := c.pending
		c.pending = nil
		fuel := c.settings.FuelType
		c.mu.Unlock()

		if reading == nil {
			err = ErrNoPendingReading
			return
		}
		if reading.FuelType == "" {
			reading.FuelType = fuel
		}
		out, err = c.process(loopCtx, *reading)
	}); callErr != nil {
		return Outcome{}, callErr
	}
	return out, err
}

// UpdateSettings applies update and returns the resulting settings.
func (c *Controller) UpdateSettings(ctx context.Context, update SettingsUpdate) (Settings, error) {
	var result Settings
	if err := c.call(ctx, func(context.Context) {
		c.mu.Lock()
		if update.FuelType != nil {
			c.settings.FuelType = strings.TrimSpace(*update.FuelType)
		}
		if update.AutoSubmit != nil {
			c.settings.AutoSubmit = *update.AutoSubmit
		}
		result = c.settings
		c.mu.Unlock()
		c.logger.Info("settings updated", zap.String("fuel_type", result.FuelType), zap.Bool("auto_submit", result.AutoSubmit))
	}); err != nil {
		return Settings{}, err
	}
	return result, nil
}

// Settings returns the current settings.
func (c *Controller) Settings() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

// Pending returns the reading awaiting confirmation, if any.
func (c *Controller) Pending() *Reading {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.pending == nil {
		return nil
	}
	r := *c.pending
	return &r
}

func (c *Controller) post(job func(ctx context.Context)) bool {
	select {
	case c.inbox <- job:
		return true
	case <-c.stopped:
		return false
	}
}

// call runs fn on the loop and waits for it. A job that was accepted runs to
// completion even if ctx is cancelled meanwhile.
func (c *Controller) call(ctx context.Context, fn func(ctx context.Context)) error {
	done := make(chan struct{})
	job := func(loopCtx context.Context) {
		defer close(done)
		fn(loopCtx)
	}

	select {
	case c.inbox <- job:
	case <-c.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-c.stopped:
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) onVolume(ctx context.Context, msg protocol.Message) error {
	c.hold(ctx, Reading{
		FuelType:   c.Settings().FuelType,
		Liters:     msg.Liters,
		Source:     SourceDevice,
		ReceivedAt: c.now().UTC(),
	})
	return nil
}

func (c *Controller) onSaleData(ctx context.Context, msg protocol.Message) error {
	fuel := strings.TrimSpace(msg.FuelType)
	if fuel == "" {
		fuel = c.Settings().FuelType
	}
	c.hold(ctx, Reading{
		FuelType:   fuel,
		Liters:     msg.Liters,
		Source:     SourceDevice,
		ReceivedAt: c.now().UTC(),
	})
	return nil
}

// hold submits a device reading right away in auto-submit mode and otherwise
// keeps it until the operator confirms. A newer reading replaces an older one.
func (c *Controller) hold(ctx context.Context, r Reading) {
	c.mu.Lock()
	auto := c.settings.AutoSubmit
	if !auto {
		held := r
		c.pending = &held
	}
	c.mu.Unlock()

	c.publish(events.TypeVolume, map[string]any{
		"reading":              r,
		"awaitingConfirmation": !auto,
	})
	if !auto {
		return
	}
	if _, err := c.process(ctx, r); err != nil {
		c.logger.Info("device reading not submitted", zap.Float64("liters", r.Liters), zap.Error(err))
	}
}

func (c *Controller) onStatus(_ context.Context, msg protocol.Message) error {
	c.publish(events.TypeDeviceStatus, msg.Fields)
	return nil
}

func (c *Controller) onDeviceError(_ context.Context, msg protocol.Message) error {
	c.logger.Warn("device reported error", zap.String("message", msg.Text))
	c.publish(events.TypeDeviceError, map[string]string{"message": msg.Text})
	return nil
}

func (c *Controller) onAck(_ context.Context, msg protocol.Message) error {
	c.logger.Debug("device acknowledged", zap.String("command", msg.ForCommand))
	return nil
}

func (c *Controller) onUnknown(_ context.Context, msg protocol.Message) error {
	c.logger.Debug("ignoring device message", zap.String("kind", string(msg.Kind)), zap.String("raw", msg.Raw))
	return nil
}

// process takes a reading through price lookup, validation and either direct
// submission or the offline queue.
func (c *Controller) process(ctx context.Context, r Reading) (Outcome, error) {
	out := Outcome{Source: r.Source}
	fuel := strings.TrimSpace(r.FuelType)

	if verr := validate(fuel, r.Liters); verr != nil {
		out.Status = StatusRejected
		out.Message = verr.Error()
		c.logger.Info("capture rejected", zap.String("field", verr.Field), zap.String("reason", verr.Message))
		c.publish(events.TypeRejected, out)
		return out, verr
	}

	price, err := c.lookupPrice(ctx, fuel)
	if err != nil {
		out.Status = StatusRejected
		out.Message = ErrPriceUnavailable.Error()
		c.logger.Warn("capture rejected, no price", zap.String("fuel_type", fuel), zap.Error(err))
		c.publish(events.TypeRejected, out)
		c.echo(protocol.CmdTransactionError, protocol.Text("price unavailable"))
		return out, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}

	draft := models.NewSaleDraft(fuel, r.Liters, price, c.cfg.Precision)
	out.Draft = &draft
	c.publish(events.TypeDraft, draft)
	c.echo(protocol.CmdSetTransactionData, protocol.TransactionData{
		FuelType:      draft.FuelType(),
		Liters:        draft.Liters(),
		PricePerLiter: draft.PricePerLiter(),
		Amount:        draft.Amount(),
	})

	if w := c.checkStock(ctx, draft); w != nil {
		out.Warnings = append(out.Warnings, w)
		c.publish(events.TypeWarning, w)
	}

	capturedAt := r.ReceivedAt
	if capturedAt.IsZero() {
		capturedAt = c.now().UTC()
	}

	if !c.deps.Connectivity.Online() {
		return c.enqueue(draft, "", capturedAt, out)
	}

	key := newKey()
	receipt, err := c.submit(ctx, draft, key, capturedAt)
	var rejected *clients.RejectedError
	switch {
	case err == nil:
		out.Status = StatusSubmitted
		out.IdempotencyKey = key
		out.Receipt = &receipt
		c.logger.Info("sale submitted", zap.String("idempotency_key", key), zap.String("transaction_id", receipt.TransactionID))
		c.record(key, "submitted", receipt.TransactionID, "")
		c.publish(events.TypeSubmitted, out)
		c.echo(protocol.CmdTransactionSuccess, protocol.TransactionSuccess{TransactionID: receipt.TransactionID})
		return out, nil
	case errors.As(err, &rejected):
		out.Status = StatusRejected
		out.IdempotencyKey = key
		out.Message = rejected.Message
		c.logger.Warn("sale rejected by server", zap.String("idempotency_key", key), zap.Int("status", rejected.Status), zap.String("message", rejected.Message))
		c.record(key, "rejected", "", rejected.Message)
		c.publish(events.TypeRejected, out)
		reason := rejected.Message
		if reason == "" {
			reason = "sale rejected"
		}
		c.echo(protocol.CmdTransactionError, protocol.Text(reason))
		return out, nil
	default:
		c.logger.Warn("direct submission failed, queueing sale", zap.String("idempotency_key", key), zap.Error(err))
		return c.enqueue(draft, key, capturedAt, out)
	}
}

func validate(fuel string, liters float64) *ValidationError {
	if fuel == "" {
		return &ValidationError{Field: "fuelType", Message: "no fuel type selected"}
	}
	if math.IsNaN(liters) || math.IsInf(liters, 0) || liters <= 0 {
		return &ValidationError{Field: "liters", Message: "must be greater than zero"}
	}
	if liters > protocol.MaxVolumeLiters {
		return &ValidationError{Field: "liters", Message: fmt.Sprintf("must not exceed %g", protocol.MaxVolumeLiters)}
	}
	return nil
}

func (c *Controller) lookupPrice(ctx context.Context, fuel string) (float64, error) {
	if c.deps.Catalog == nil {
		return 0, catalog.ErrUnknownFuel
	}
	lookupCtx, cancel := context.WithTimeout(ctx, c.cfg.LookupTimeout)
	defer cancel()
	price, err := c.deps.Catalog.CurrentPrice(lookupCtx, fuel)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(price) || price < 0 {
		return 0, fmt.Errorf("invalid price %v", price)
	}
	return price, nil
}

func (c *Controller) checkStock(ctx context.Context, draft models.SaleDraft) *ValidationWarning {
	if c.deps.Catalog == nil {
		return nil
	}
	lookupCtx, cancel := context.WithTimeout(ctx, c.cfg.LookupTimeout)
	defer cancel()
	available, err := c.deps.Catalog.AvailableStock(lookupCtx, draft.FuelType())
	if err != nil {
		c.logger.Debug("stock unknown", zap.String("fuel_type", draft.FuelType()), zap.Error(err))
		return nil
	}
	if draft.Liters() <= available {
		return nil
	}
	return &ValidationWarning{
		Field:     "liters",
		Message:   "requested volume exceeds available stock",
		Requested: draft.Liters(),
		Available: available,
	}
}

// submit runs detached from ctx so a started submission always completes.
func (c *Controller) submit(ctx context.Context, draft models.SaleDraft, key string, capturedAt time.Time) (models.SaleReceipt, error) {
	if c.deps.Submitter == nil {
		return models.SaleReceipt{}, clients.ErrNotConfigured
	}
	submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.SubmitTimeout)
	defer cancel()
	return c.deps.Submitter.SubmitSale(submitCtx, models.NewSaleRequest(draft, key, capturedAt))
}

func (c *Controller) enqueue(draft models.SaleDraft, key string, capturedAt time.Time, out Outcome) (Outcome, error) {
	opts := []queue.EnqueueOption{queue.WithCapturedAt(capturedAt)}
	if key != "" {
		opts = append(opts, queue.WithIdempotencyKey(key))
	}

	tx, err := c.deps.Queue.Enqueue(draft, opts...)
	if err != nil {
		out.Status = StatusFailed
		out.IdempotencyKey = key
		out.Message = err.Error()
		c.logger.Error("sale could not be queued", zap.String("idempotency_key", key), zap.Error(err))
		if key != "" {
			c.record(key, "failed", "", err.Error())
		}
		c.publish(events.TypeFailed, out)
		c.echo(protocol.CmdTransactionError, protocol.Text("sale not saved"))
		return out, err
	}

	out.Status = StatusQueued
	out.IdempotencyKey = tx.IdempotencyKey
	out.PendingCount = c.deps.Queue.Count()
	c.logger.Info("sale queued for sync", zap.String("idempotency_key", tx.IdempotencyKey), zap.Int("pending", out.PendingCount))
	c.record(tx.IdempotencyKey, "queued", "", "")
	c.publish(events.TypeQueued, out)
	c.echo(protocol.CmdTransactionQueued, nil)
	return out, nil
}

// echo reports to the dispenser. Failures are logged and never undo a sale.
func (c *Controller) echo(command string, args any) {
	if c.deps.Device == nil || c.deps.Device.State() != device.StateConnected {
		return
	}
	if err := c.deps.Device.Send(command, args); err != nil {
		c.logger.Warn("device echo failed", zap.String("command", command), zap.Error(err))
	}
}

func (c *Controller) record(key, status, transactionID, detail string) {
	if c.deps.Recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := c.deps.Recorder.RecordOutcome(ctx, key, status, transactionID, detail); err != nil {
		c.logger.Debug("journal sale outcome failed", zap.Error(err))
	}
}

func (c *Controller) publish(eventType string, data any) {
	if c.deps.Publisher != nil {
		c.deps.Publisher.Publish(eventType, data)
	}
}
