package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"fuelpos/backend/services/terminal/internal/device"
	"fuelpos/backend/services/terminal/internal/events"
	"fuelpos/backend/services/terminal/internal/http/handlers"
	"fuelpos/backend/services/terminal/internal/http/middleware"
	"fuelpos/backend/services/terminal/internal/models"
	"fuelpos/backend/services/terminal/internal/supervisor"
	"fuelpos/backend/services/terminal/internal/syncer"
	"fuelpos/backend/services/terminal/internal/transaction"
)

type fakeLink struct {
	mu         sync.Mutex
	state      device.State
	dev        *device.Descriptor
	found      []device.Descriptor
	scanErr    error
	connectErr error
	sendErr    error
	targets    []*device.Descriptor
	sent       []string
	args       []any
}

func (l *fakeLink) State() device.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *fakeLink) Device() *device.Descriptor {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dev
}

func (l *fakeLink) Scan(context.Context, time.Duration) ([]device.Descriptor, error) {
	return l.found, l.scanErr
}

func (l *fakeLink) Connect(_ context.Context, target *device.Descriptor) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.targets = append(l.targets, target)
	if l.connectErr != nil {
		return l.connectErr
	}
	l.state = device.StateConnected
	if target != nil {
		l.dev = target
	} else {
		l.dev = &device.Descriptor{Name: "PUMP-ANY", OffersService: true}
	}
	return nil
}

func (l *fakeLink) Disconnect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = device.StateDisconnected
	l.dev = nil
}

func (l *fakeLink) Send(command string, args any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}
	l.sent = append(l.sent, command)
	l.args = append(l.args, args)
	return nil
}

type fakeController struct {
	out        transaction.Outcome
	err        error
	confirmErr error
	settings   transaction.Settings
	pending    *transaction.Reading
	captured   []float64
}

func (c *fakeController) Capture(_ context.Context, _ string, liters float64) (transaction.Outcome, error) {
	c.captured = append(c.captured, liters)
	return c.out, c.err
}

func (c *fakeController) Confirm(context.Context) (transaction.Outcome, error) {
	if c.confirmErr != nil {
		return transaction.Outcome{}, c.confirmErr
	}
	return c.out, c.err
}

func (c *fakeController) UpdateSettings(_ context.Context, u transaction.SettingsUpdate) (transaction.Settings, error) {
	if u.FuelType != nil {
		c.settings.FuelType = *u.FuelType
	}
	if u.AutoSubmit != nil {
		c.settings.AutoSubmit = *u.AutoSubmit
	}
	return c.settings, nil
}

func (c *fakeController) Settings() transaction.Settings { return c.settings }
func (c *fakeController) Pending() *transaction.Reading  { return c.pending }

type fakeQueue struct {
	items []models.OfflineTransaction
}

func (q *fakeQueue) List() []models.OfflineTransaction { return q.items }

func (q *fakeQueue) Get(key string) (models.OfflineTransaction, bool) {
	for _, tx := range q.items {
		if tx.IdempotencyKey == key {
			return tx, true
		}
	}
	return models.OfflineTransaction{}, false
}

func (q *fakeQueue) Remove(key string) error {
	for i, tx := range q.items {
		if tx.IdempotencyKey == key {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return nil
		}
	}
	return nil
}

func (q *fakeQueue) Count() int { return len(q.items) }

type fakeSyncer struct {
	res syncer.Result
	err error
}

func (s *fakeSyncer) SyncNow(context.Context) (syncer.Result, error) { return s.res, s.err }

type fakeOnline bool

func (f fakeOnline) Online() bool { return bool(f) }

type fakeRecorder struct {
	statuses []string
}

func (r *fakeRecorder) RecordOutcome(_ context.Context, _, status, _, _ string) error {
	r.statuses = append(r.statuses, status)
	return nil
}

type fixture struct {
	link     *fakeLink
	ctrl     *fakeController
	queue    *fakeQueue
	syncer   *fakeSyncer
	recorder *fakeRecorder
	bus      *events.Bus
	handler  http.Handler
}

const testPIN = "4321"

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	hasher := supervisor.NewBcryptHasher(bcrypt.MinCost)
	hash, err := hasher.Hash(testPIN)
	require.NoError(t, err)

	f := &fixture{
		link: &fakeLink{state: device.StateDisconnected},
		ctrl: &fakeController{settings: transaction.Settings{FuelType: "Premium"}},
		queue: &fakeQueue{items: []models.OfflineTransaction{
			{IdempotencyKey: "key-1", Draft: models.NewSaleDraft("Premium", 2, 1500, 2)},
			{IdempotencyKey: "key-2", Draft: models.NewSaleDraft("Solar", 3, 1200, 2)},
		}},
		syncer:   &fakeSyncer{},
		recorder: &fakeRecorder{},
		bus:      events.NewBus(logger),
	}
	t.Cleanup(f.bus.Close)

	f.handler = NewRouter(RouterDeps{
		Health: handlers.NewHealthHandler(),
		Status: handlers.NewStatusHandler(handlers.StatusSources{
			TerminalID:   "terminal-7",
			Link:         f.link,
			Connectivity: fakeOnline(true),
			Queue:        f.queue,
			Controller:   f.ctrl,
		}),
		Device:        handlers.NewDeviceHandlers(f.link, logger),
		Sales:         handlers.NewSalesHandlers(f.ctrl, logger),
		Queue:         handlers.NewQueueHandlers(f.queue, f.syncer, f.recorder, f.bus, logger),
		Events:        handlers.NewEventsHandler(f.bus, time.Second, logger).Stream,
		SupervisorPIN: middleware.RequireSupervisorPIN(supervisor.NewVerifier(hash, hasher), logger),
		Logger:        logger,
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, header ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &decoded)
	}
	return rec, decoded
}

func TestHealthAndStatus(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	f.ctrl.pending = &transaction.Reading{FuelType: "Premium", Liters: 4}
	rec, body = f.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "terminal-7", body["terminalId"])
	assert.Equal(t, true, body["online"])
	assert.Equal(t, 2.0, body["pendingSync"])
	assert.Equal(t, "disconnected", body["device"].(map[string]any)["state"])
	assert.Equal(t, 4.0, body["awaitingConfirmation"].(map[string]any)["liters"])
}

func TestDeviceScan(t *testing.T) {
	f := newFixture(t)
	f.link.found = []device.Descriptor{{Name: "PUMP-A", OffersService: true}}

	rec, body := f.do(t, http.MethodPost, "/api/device/scan", `{"timeoutMs":50}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["devices"], 1)

	f.link.found = nil
	rec, body = f.do(t, http.MethodPost, "/api/device/scan", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{}, body["devices"])

	f.link.scanErr = &device.Error{Kind: device.Busy}
	rec, body = f.do(t, http.MethodPost, "/api/device/scan", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "Busy", body["kind"])
}

func TestDeviceConnectNamedAndAny(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodPost, "/api/device/connect", `{"name":"PUMP-B"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "connected", body["state"])

	f.link.Disconnect()
	rec, _ = f.do(t, http.MethodPost, "/api/device/connect", "")
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, f.link.targets, 2)
	assert.Equal(t, "PUMP-B", f.link.targets[0].Name)
	assert.Nil(t, f.link.targets[1])

	rec, body = f.do(t, http.MethodPost, "/api/device/disconnect", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "disconnected", body["state"])
}

func TestDeviceConnectErrors(t *testing.T) {
	cases := map[device.ErrorKind]int{
		device.Timeout:            http.StatusGatewayTimeout,
		device.ConnectionRefused:  http.StatusBadGateway,
		device.ServiceUnavailable: http.StatusServiceUnavailable,
		device.Busy:               http.StatusConflict,
	}
	for kind, status := range cases {
		t.Run(string(kind), func(t *testing.T) {
			f := newFixture(t)
			f.link.connectErr = &device.Error{Kind: kind, Device: "PUMP-A"}
			rec, _ := f.do(t, http.MethodPost, "/api/device/connect", `{"name":"PUMP-A"}`)
			assert.Equal(t, status, rec.Code)
		})
	}
}

func TestDeviceTestFrame(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodPost, "/api/device/test", `{"text":"hello"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1.0, body["seq"])
	assert.Equal(t, []string{"TEST_DATA"}, f.link.sent)

	f.link.sendErr = &device.Error{Kind: device.NotConnected}
	rec, _ = f.do(t, http.MethodPost, "/api/device/test", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCaptureStatusCodes(t *testing.T) {
	f := newFixture(t)
	draft := models.NewSaleDraft("Premium", 10.5, 1500, 2)

	f.ctrl.out = transaction.Outcome{Status: transaction.StatusSubmitted, Draft: &draft, Receipt: &models.SaleReceipt{TransactionID: "TX-1"}}
	rec, body := f.do(t, http.MethodPost, "/api/sales", `{"fuelType":"Premium","liters":10.5}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "submitted", body["status"])
	assert.Equal(t, 15750.0, body["draft"].(map[string]any)["amount"])
	assert.Equal(t, []float64{10.5}, f.ctrl.captured)

	f.ctrl.out = transaction.Outcome{Status: transaction.StatusQueued, IdempotencyKey: "k"}
	rec, _ = f.do(t, http.MethodPost, "/api/sales", `{"fuelType":"Premium","liters":1}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	f.ctrl.out = transaction.Outcome{Status: transaction.StatusRejected}
	f.ctrl.err = &transaction.ValidationError{Field: "liters", Message: "must be greater than zero"}
	rec, body = f.do(t, http.MethodPost, "/api/sales", `{"fuelType":"Premium","liters":0}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "liters", body["field"])

	rec, body = f.do(t, http.MethodPost, "/api/sales", `{"fuelType":"Premium"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "liters", body["field"])

	rec, _ = f.do(t, http.MethodPost, "/api/sales", `{"fuelType":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/sales", `{"fuel":"Premium","liters":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are refused")

	rec, _ = f.do(t, http.MethodGet, "/api/sales", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestConfirmWithoutReading(t *testing.T) {
	f := newFixture(t)
	f.ctrl.confirmErr = transaction.ErrNoPendingReading

	rec, _ := f.do(t, http.MethodPost, "/api/sales/confirm", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestUpdateSettings(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodPut, "/api/settings", `{"autoSubmit":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["autoSubmit"])
	assert.Equal(t, "Premium", body["fuelType"])
}

func TestQueueListAndSync(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodGet, "/api/queue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2.0, body["count"])

	f.syncer.res = syncer.Result{SyncedCount: 2}
	rec, body = f.do(t, http.MethodPost, "/api/queue/sync", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2.0, body["syncedCount"])

	f.syncer.err = syncer.ErrOffline
	rec, _ = f.do(t, http.MethodPost, "/api/queue/sync", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDiscardRequiresSupervisorPIN(t *testing.T) {
	f := newFixture(t)
	stream, cancel := f.bus.Subscribe()
	defer cancel()

	rec, _ := f.do(t, http.MethodDelete, "/api/queue/key-1", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = f.do(t, http.MethodDelete, "/api/queue/key-1", "", middleware.PINHeader, "0000")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 2, f.queue.Count())

	rec, _ = f.do(t, http.MethodDelete, "/api/queue/missing", "", middleware.PINHeader, testPIN)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body := f.do(t, http.MethodDelete, "/api/queue/key-1", "", middleware.PINHeader, testPIN)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "key-1", body["discarded"])
	assert.Equal(t, 1.0, body["remaining"])
	assert.Equal(t, []string{"discarded"}, f.recorder.statuses)

	evt := <-stream
	assert.Equal(t, events.TypeQueueDiscarded, evt.Type)
}

func TestDiscardDisabledWithoutVerifier(t *testing.T) {
	f := newFixture(t)
	f.handler = NewRouter(RouterDeps{
		Health: handlers.NewHealthHandler(),
		Status: handlers.NewHealthHandler(),
		Queue:  handlers.NewQueueHandlers(f.queue, f.syncer, nil, nil, zap.NewNop()),
		Device: handlers.NewDeviceHandlers(f.link, zap.NewNop()),
		Sales:  handlers.NewSalesHandlers(f.ctrl, zap.NewNop()),
		Events: handlers.NewHealthHandler(),
	})

	rec, _ := f.do(t, http.MethodDelete, "/api/queue/key-1", "", middleware.PINHeader, testPIN)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, 2, f.queue.Count())
}

func TestEventStream(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for f.bus.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, f.bus.Subscribers())

	f.bus.Publish(events.TypeQueued, map[string]int{"pendingCount": 3})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	var evt struct {
		Type string         `json:"type"`
		Data map[string]int `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, events.TypeQueued, evt.Type)
	assert.Equal(t, 3, evt.Data["pendingCount"])

	f.bus.Close()
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr))
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
}
