package connectivity

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultDebounce is how long a new state must hold before subscribers hear about it.
const DefaultDebounce = 500 * time.Millisecond

// Handler observes stable connectivity changes.
type Handler func(online bool)

type subscriber struct {
	id uint64
	fn Handler
}

// Monitor turns raw online/offline signals into debounced transitions.
type Monitor struct {
	debounce time.Duration
	logger   *zap.Logger

	// notifyMu keeps the initial callback of Subscribe and transition
	// callbacks from interleaving.
	notifyMu sync.Mutex

	mu     sync.Mutex
	stable bool
	raw    bool
	timer  *time.Timer
	gen    uint64
	subs   []subscriber
	nextID uint64
	closed bool
}

// NewMonitor returns a monitor starting in the given state.
func NewMonitor(initial bool, debounce time.Duration, logger *zap.Logger) *Monitor {
	if debounce < 0 {
		debounce = 0
	}
	return &Monitor{
		debounce: debounce,
		logger:   logger,
		stable:   initial,
		raw:      initial,
	}
}

// Online returns the current debounced state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stable
}

// Report feeds a raw signal. A change that is reverted within the debounce
// window never reaches subscribers.
func (m *Monitor) Report(online bool) {
	m.mu.Lock()
	if m.closed || online == m.raw {
		m.mu.Unlock()
		return
	}
	m.raw = online
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.gen++
	if online == m.stable {
		m.mu.Unlock()
		return
	}

	gen := m.gen
	if m.debounce == 0 {
		m.mu.Unlock()
		m.commit(gen)
		return
	}
	m.timer = time.AfterFunc(m.debounce, func() { m.commit(gen) })
	m.mu.Unlock()
}

func (m *Monitor) commit(gen uint64) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.closed || gen != m.gen || m.raw == m.stable {
		m.mu.Unlock()
		return
	}
	m.stable = m.raw
	m.timer = nil
	state := m.stable
	subs := append([]subscriber(nil), m.subs...)
	m.mu.Unlock()

	m.logger.Info("connectivity changed", zap.Bool("online", state))
	for _, s := range subs {
		s.fn(state)
	}
}

// Subscribe registers handler, calls it once with the current state and then
// on every stable transition. The returned func unsubscribes.
func (m *Monitor) Subscribe(handler Handler) func() {
	m.notifyMu.Lock()
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs = append(m.subs, subscriber{id: id, fn: handler})
	state := m.stable
	m.mu.Unlock()
	handler(state)
	m.notifyMu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.subs {
			if s.id == id {
				m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
				return
			}
		}
	}
}

// Close stops a pending transition; later reports are ignored.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
