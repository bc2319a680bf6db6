package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"fuelpos/backend/services/terminal/internal/device"
	"fuelpos/backend/services/terminal/internal/protocol"
)

// Link is the device link surface the UI drives.
type Link interface {
	State() device.State
	Device() *device.Descriptor
	Scan(ctx context.Context, timeout time.Duration) ([]device.Descriptor, error)
	Connect(ctx context.Context, target *device.Descriptor) error
	Disconnect()
	Send(command string, args any) error
}

// DeviceHandlers drive scan, connect and diagnostics.
type DeviceHandlers struct {
	link    Link
	testSeq atomic.Int64
	logger  *zap.Logger
}

// NewDeviceHandlers returns handler set.
func NewDeviceHandlers(link Link, logger *zap.Logger) *DeviceHandlers {
	return &DeviceHandlers{link: link, logger: logger}
}

type scanRequest struct {
	TimeoutMs int `json:"timeoutMs"`
}

type connectRequest struct {
	Name string `json:"name"`
}

type testRequest struct {
	Text string `json:"text"`
}

type linkResponse struct {
	State  device.State       `json:"state"`
	Device *device.Descriptor `json:"device,omitempty"`
}

// Scan handles POST /api/device/scan.
func (h *DeviceHandlers) Scan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.TimeoutMs < 0 {
		writeError(w, http.StatusBadRequest, "timeoutMs must not be negative")
		return
	}

	found, err := h.link.Scan(r.Context(), time.Duration(req.TimeoutMs)*time.Millisecond)
	if err != nil {
		h.writeDeviceError(w, "scan failed", err)
		return
	}
	if found == nil {
		found = []device.Descriptor{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"devices": found})
}

// Connect handles POST /api/device/connect. Without a name it connects to the
// first device offering the dispenser service.
func (h *DeviceHandlers) Connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	var target *device.Descriptor
	if name := strings.TrimSpace(req.Name); name != "" {
		target = &device.Descriptor{Name: name}
	}
	if err := h.link.Connect(r.Context(), target); err != nil {
		h.writeDeviceError(w, "connect failed", err)
		return
	}
	writeJSON(w, http.StatusOK, linkResponse{State: h.link.State(), Device: h.link.Device()})
}

// Disconnect handles POST /api/device/disconnect.
func (h *DeviceHandlers) Disconnect(w http.ResponseWriter, r *http.Request) {
	h.link.Disconnect()
	writeJSON(w, http.StatusOK, linkResponse{State: h.link.State()})
}

// Test handles POST /api/device/test and sends a TEST_DATA frame.
func (h *DeviceHandlers) Test(w http.ResponseWriter, r *http.Request) {
	var req testRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		req.Text = "ping"
	}

	payload := protocol.TestData{Seq: h.testSeq.Add(1), Text: req.Text}
	if err := h.link.Send(protocol.CmdTestData, payload); err != nil {
		h.writeDeviceError(w, "test frame not sent", err)
		return
	}
	writeJSON(w, http.StatusAccepted, payload)
}

func (h *DeviceHandlers) writeDeviceError(w http.ResponseWriter, message string, err error) {
	h.logger.Warn(message, zap.Error(err))

	var devErr *device.Error
	if !errors.As(err, &devErr) {
		writeError(w, http.StatusInternalServerError, message)
		return
	}
	status := http.StatusInternalServerError
	switch devErr.Kind {
	case device.Busy, device.NotConnected:
		status = http.StatusConflict
	case device.Timeout:
		status = http.StatusGatewayTimeout
	case device.ConnectionRefused, device.WriteFailed:
		status = http.StatusBadGateway
	case device.ServiceUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": devErr.Error(), "kind": string(devErr.Kind)})
}
