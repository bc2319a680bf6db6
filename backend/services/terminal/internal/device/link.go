package device

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"fuelpos/backend/services/terminal/internal/events"
	"fuelpos/backend/services/terminal/internal/protocol"
)

const (
	defaultScanTimeout    = 15 * time.Second
	defaultConnectTimeout = 10 * time.Second
	defaultMaxLineBytes   = 4096
	recordTimeout         = time.Second
)

// Config tunes the link.
type Config struct {
	ScanTimeout    time.Duration
	ConnectTimeout time.Duration
	MaxLineBytes   int
}

// MessageHandler receives decoded inbound messages in arrival order. It runs on
// the reader goroutine and must not call Disconnect synchronously.
type MessageHandler func(msg protocol.Message)

// StateChange is published on every link transition.
type StateChange struct {
	From   State       `json:"from"`
	To     State       `json:"to"`
	Device *Descriptor `json:"device,omitempty"`
}

// StateHandler observes link transitions. It runs while the transition is
// being committed and must not call back into the link.
type StateHandler func(change StateChange)

type handlerEntry struct {
	id uint64
	fn MessageHandler
}

type stateEntry struct {
	id uint64
	fn StateHandler
}

// Link owns the single dispenser connection of a terminal session.
type Link struct {
	scanner   Scanner
	dialer    Dialer
	cfg       Config
	recorder  FrameRecorder
	publisher events.Publisher
	logger    *zap.Logger

	// transitionMu serialises transitions together with their notifications.
	transitionMu sync.Mutex

	mu         sync.Mutex
	state      State
	device     *Descriptor
	port       Port
	session    uint64
	readerDone chan struct{}
	cancelOp   context.CancelFunc

	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   []handlerEntry
	observers  []stateEntry
	nextID     uint64
}

// NewLink builds a disconnected link. recorder and publisher may be nil.
func NewLink(scanner Scanner, dialer Dialer, cfg Config, recorder FrameRecorder, publisher events.Publisher, logger *zap.Logger) *Link {
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = defaultScanTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = defaultMaxLineBytes
	}
	return &Link{
		scanner:   scanner,
		dialer:    dialer,
		cfg:       cfg,
		recorder:  recorder,
		publisher: publisher,
		logger:    logger,
		state:     StateDisconnected,
	}
}

// State returns the current state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Device returns the connected or connecting device, if any.
func (l *Link) Device() *Descriptor {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.device == nil {
		return nil
	}
	d := *l.device
	return &d
}

// Scan collects advertisements for up to timeout. Duplicate names are coalesced
// with the last signal strength winning; results keep first-seen order. A scan
// that ends with nothing found is not an error.
func (l *Link) Scan(ctx context.Context, timeout time.Duration) ([]Descriptor, error) {
	found, _, err := l.scan(ctx, timeout, nil)
	return found, err
}

// scan reports aborted when Disconnect ended the scan.
func (l *Link) scan(ctx context.Context, timeout time.Duration, stop func(Descriptor) bool) (found []Descriptor, aborted bool, err error) {
	if timeout <= 0 {
		timeout = l.cfg.ScanTimeout
	}
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var session uint64
	if !l.transition(func() bool {
		if l.state != StateDisconnected {
			return false
		}
		l.state = StateScanning
		l.cancelOp = cancel
		session = l.session
		return true
	}) {
		return nil, false, &Error{Kind: Busy, Err: errors.New("link is " + string(l.State()))}
	}
	defer l.transition(func() bool {
		if l.session != session {
			aborted = true
			return true
		}
		if l.state == StateScanning {
			l.state = StateDisconnected
			l.cancelOp = nil
		}
		return true
	})

	adverts, err := l.scanner.Scan(scanCtx)
	if err != nil {
		return nil, false, &Error{Kind: ServiceUnavailable, Err: err}
	}

	index := make(map[string]int)
	for {
		select {
		case <-scanCtx.Done():
			return found, false, nil
		case d, ok := <-adverts:
			if !ok {
				return found, false, nil
			}
			if i, seen := index[d.Name]; seen {
				found[i].SignalStrength = d.SignalStrength
				continue
			}
			index[d.Name] = len(found)
			found = append(found, d)
			l.publish(events.TypeDeviceFound, d)
			if stop != nil && stop(d) {
				return found, false, nil
			}
		}
	}
}

// Connect opens a link to target, or when target is nil to the first device
// that offers the dispenser service. On failure the link is back in
// StateDisconnected.
func (l *Link) Connect(ctx context.Context, target *Descriptor) error {
	if target == nil {
		found, aborted, err := l.scan(ctx, l.cfg.ScanTimeout, func(d Descriptor) bool { return d.OffersService })
		if err != nil {
			return err
		}
		if aborted {
			return &Error{Kind: ConnectionRefused, Err: errors.New("connect aborted")}
		}
		for i := range found {
			if found[i].OffersService {
				target = &found[i]
				break
			}
		}
		if target == nil {
			return &Error{Kind: ServiceUnavailable, Err: errors.New("no device offers the dispenser service")}
		}
	}
	desc := *target

	opCtx, cancel := context.WithTimeout(ctx, l.cfg.ConnectTimeout)
	defer cancel()

	if !l.transition(func() bool {
		if l.state != StateDisconnected {
			return false
		}
		l.state = StateConnecting
		l.device = &desc
		l.cancelOp = cancel
		return true
	}) {
		return &Error{Kind: Busy, Device: desc.Name, Err: errors.New("link is " + string(l.State()))}
	}

	port, err := l.dialer.Open(opCtx, desc)
	if err != nil {
		l.transition(func() bool {
			if l.state == StateConnecting {
				l.state = StateDisconnected
				l.device = nil
				l.cancelOp = nil
			}
			return true
		})
		return classifyOpenError(opCtx, desc.Name, err)
	}

	var (
		session uint64
		done    chan struct{}
	)
	if !l.transition(func() bool {
		if l.state != StateConnecting {
			return false
		}
		l.session++
		session = l.session
		done = make(chan struct{})
		l.port = port
		l.readerDone = done
		l.cancelOp = nil
		l.state = StateConnected
		return true
	}) {
		_ = port.Close()
		return &Error{Kind: ConnectionRefused, Device: desc.Name, Err: errors.New("connect aborted")}
	}

	go l.readLoop(port, session, done)

	l.logger.Info("device connected", zap.String("device", desc.Name))
	if err := l.Send(protocol.CmdGetStatus, nil); err != nil {
		l.logger.Warn("initial status request failed", zap.String("device", desc.Name), zap.Error(err))
	}
	return nil
}

func classifyOpenError(ctx context.Context, name string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: Timeout, Device: name, Err: err}
	}
	return &Error{Kind: ConnectionRefused, Device: name, Err: err}
}

// Send encodes and writes a command. A failed write leaves the state untouched.
func (l *Link) Send(command string, args any) error {
	line, err := protocol.Encode(command, args)
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.Lock()
	port, state := l.port, l.state
	var name string
	if l.device != nil {
		name = l.device.Name
	}
	l.mu.Unlock()

	if state != StateConnected || port == nil {
		return &Error{Kind: NotConnected}
	}
	if _, err := io.WriteString(port, line); err != nil {
		return &Error{Kind: WriteFailed, Device: name, Err: err}
	}
	l.record("out", command, strings.TrimSuffix(line, "\n"))
	return nil
}

// OnMessage subscribes handler to inbound messages and returns the unsubscribe func.
func (l *Link) OnMessage(handler MessageHandler) func() {
	l.handlersMu.Lock()
	id := l.nextID
	l.nextID++
	l.handlers = append(l.handlers, handlerEntry{id: id, fn: handler})
	l.handlersMu.Unlock()

	return func() {
		l.handlersMu.Lock()
		defer l.handlersMu.Unlock()
		for i, h := range l.handlers {
			if h.id == id {
				l.handlers = append(l.handlers[:i:i], l.handlers[i+1:]...)
				return
			}
		}
	}
}

// OnState subscribes handler to state transitions and returns the unsubscribe func.
func (l *Link) OnState(handler StateHandler) func() {
	l.handlersMu.Lock()
	id := l.nextID
	l.nextID++
	l.observers = append(l.observers, stateEntry{id: id, fn: handler})
	l.handlersMu.Unlock()

	return func() {
		l.handlersMu.Lock()
		defer l.handlersMu.Unlock()
		for i, o := range l.observers {
			if o.id == id {
				l.observers = append(l.observers[:i:i], l.observers[i+1:]...)
				return
			}
		}
	}
}

// Disconnect closes the link. It is safe to call in any state, any number of times,
// and aborts a scan or connect in progress. The link is in StateDisconnected when
// it returns.
func (l *Link) Disconnect() {
	var (
		port Port
		done chan struct{}
	)
	l.transition(func() bool {
		if l.cancelOp != nil {
			l.cancelOp()
			l.cancelOp = nil
		}
		port, done = l.port, l.readerDone
		l.port = nil
		l.readerDone = nil
		l.device = nil
		l.session++
		l.state = StateDisconnected
		return true
	})

	if port != nil {
		if err := port.Close(); err != nil {
			l.logger.Debug("close device port", zap.Error(err))
		}
	}
	if done != nil {
		<-done
	}
}

func (l *Link) readLoop(port Port, session uint64, done chan struct{}) {
	defer close(done)

	reader := bufio.NewReaderSize(port, l.cfg.MaxLineBytes)
	var readErr error
	for {
		line, err := reader.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			discarded := len(line)
			for errors.Is(err, bufio.ErrBufferFull) {
				line, err = reader.ReadSlice('\n')
				discarded += len(line)
			}
			l.logger.Warn("oversized device frame discarded", zap.Int("bytes", discarded), zap.Int("max_bytes", l.cfg.MaxLineBytes))
		} else if len(line) > 0 {
			l.handleLine(string(line))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
	}

	var name string
	dropped := l.transition(func() bool {
		if l.session != session {
			return false
		}
		if l.device != nil {
			name = l.device.Name
		}
		l.port = nil
		l.readerDone = nil
		l.device = nil
		l.state = StateDisconnected
		return true
	})
	if dropped {
		_ = port.Close()
		l.logger.Warn("device link dropped", zap.String("device", name), zap.Error(readErr))
	}
}

func (l *Link) handleLine(line string) {
	raw := strings.TrimSpace(line)
	if raw == "" {
		return
	}
	msg, perr := protocol.Parse(raw)
	if perr != nil {
		l.logger.Debug("unrecognised device frame", zap.Error(perr))
	}
	tag, _, _ := strings.Cut(raw, ":")
	l.record("in", tag, raw)
	l.dispatch(msg)
}

func (l *Link) dispatch(msg protocol.Message) {
	l.handlersMu.RLock()
	handlers := make([]MessageHandler, 0, len(l.handlers))
	for _, h := range l.handlers {
		handlers = append(handlers, h.fn)
	}
	l.handlersMu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
}

// transition runs fn under the state lock and publishes the resulting state
// change, if any, before the next transition can start.
func (l *Link) transition(fn func() bool) bool {
	l.transitionMu.Lock()
	defer l.transitionMu.Unlock()

	l.mu.Lock()
	from := l.state
	ok := fn()
	to := l.state
	var dev *Descriptor
	if l.device != nil {
		d := *l.device
		dev = &d
	}
	l.mu.Unlock()

	if from != to {
		l.logger.Debug("device link state", zap.String("from", string(from)), zap.String("to", string(to)))
		change := StateChange{From: from, To: to, Device: dev}
		l.handlersMu.RLock()
		observers := make([]StateHandler, 0, len(l.observers))
		for _, o := range l.observers {
			observers = append(observers, o.fn)
		}
		l.handlersMu.RUnlock()
		for _, fn := range observers {
			fn(change)
		}
		l.publish(events.TypeDeviceState, change)
	}
	return ok
}

func (l *Link) publish(eventType string, data any) {
	if l.publisher != nil {
		l.publisher.Publish(eventType, data)
	}
}

func (l *Link) record(direction, tag, raw string) {
	if l.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := l.recorder.RecordFrame(ctx, direction, tag, raw); err != nil {
		l.logger.Debug("journal device frame failed", zap.Error(err))
	}
}
