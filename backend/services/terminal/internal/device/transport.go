package device

import (
	"context"
	"io"
)

// State of the device link.
type State string

const (
	StateDisconnected State = "disconnected"
	StateScanning     State = "scanning"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Descriptor identifies a discovered dispenser controller.
type Descriptor struct {
	Name           string `json:"name"`
	Label          string `json:"label,omitempty"`
	SignalStrength int    `json:"signalStrength"`
	OffersService  bool   `json:"offersService"`
}

// Scanner streams advertisements until ctx is done. The same device may be
// advertised many times; the channel is closed when the scan ends.
type Scanner interface {
	Scan(ctx context.Context) (<-chan Descriptor, error)
}

// Port is an open byte stream to a device.
type Port interface {
	io.ReadWriteCloser
}

// Dialer opens a port to a discovered device. Open must give up when ctx is done.
type Dialer interface {
	Open(ctx context.Context, d Descriptor) (Port, error)
}

// FrameRecorder keeps a journal of raw device traffic.
type FrameRecorder interface {
	RecordFrame(ctx context.Context, direction, tag, raw string) error
}
