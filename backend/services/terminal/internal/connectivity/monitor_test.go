package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu     sync.Mutex
	states []bool
}

func (r *recorder) Report(online bool) { r.add(online) }

func (r *recorder) add(online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, online)
}

func (r *recorder) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.states...)
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestSubscribeReceivesCurrentState(t *testing.T) {
	m := NewMonitor(true, DefaultDebounce, zap.NewNop())
	defer m.Close()

	rec := &recorder{}
	unsubscribe := m.Subscribe(rec.add)
	defer unsubscribe()

	assert.Equal(t, []bool{true}, rec.snapshot())
	assert.True(t, m.Online())
}

func TestFlapInsideWindowIsSuppressed(t *testing.T) {
	m := NewMonitor(true, 50*time.Millisecond, zap.NewNop())
	defer m.Close()
	rec := &recorder{}
	m.Subscribe(rec.add)

	m.Report(false)
	time.Sleep(10 * time.Millisecond)
	m.Report(true)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, []bool{true}, rec.snapshot())
	assert.True(t, m.Online())
}

func TestStableTransitionIsDelivered(t *testing.T) {
	m := NewMonitor(true, 20*time.Millisecond, zap.NewNop())
	defer m.Close()
	rec := &recorder{}
	m.Subscribe(rec.add)

	m.Report(false)
	m.Report(false)
	assert.True(t, m.Online(), "not committed before the window elapses")

	waitFor(t, time.Second, func() bool { return len(rec.snapshot()) == 2 })
	assert.Equal(t, []bool{true, false}, rec.snapshot())
	assert.False(t, m.Online())

	m.Report(true)
	waitFor(t, time.Second, func() bool { return len(rec.snapshot()) == 3 })
	assert.Equal(t, []bool{true, false, true}, rec.snapshot())
}

func TestZeroDebounceCommitsImmediately(t *testing.T) {
	m := NewMonitor(false, 0, zap.NewNop())
	rec := &recorder{}
	m.Subscribe(rec.add)

	m.Report(true)
	assert.Equal(t, []bool{false, true}, rec.snapshot())
}

func TestUnsubscribe(t *testing.T) {
	m := NewMonitor(false, 0, zap.NewNop())
	rec := &recorder{}
	unsubscribe := m.Subscribe(rec.add)
	unsubscribe()

	m.Report(true)
	assert.Equal(t, []bool{false}, rec.snapshot())
}

func TestCloseDropsPendingTransition(t *testing.T) {
	m := NewMonitor(true, 20*time.Millisecond, zap.NewNop())
	rec := &recorder{}
	m.Subscribe(rec.add)

	m.Report(false)
	m.Close()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, []bool{true}, rec.snapshot())
}

func TestWatcherReportsSessionAndReconnects(t *testing.T) {
	var accepted atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if accepted.Add(1) == 1 {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	rec := &recorder{}
	w := NewWatcher(WatcherConfig{
		URL:          "ws" + strings.TrimPrefix(srv.URL, "http"),
		PingInterval: 50 * time.Millisecond,
		MinBackoff:   10 * time.Millisecond,
		MaxBackoff:   20 * time.Millisecond,
	}, rec, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool {
		s := rec.snapshot()
		return len(s) >= 3
	})
	assert.Equal(t, []bool{true, false, true}, rec.snapshot()[:3])

	cancel()
	require.NoError(t, <-done)
	s := rec.snapshot()
	assert.False(t, s[len(s)-1])
}

func TestWatcherBacksOffAfterShortSessions(t *testing.T) {
	var accepted atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted.Add(1)
		_ = conn.Close()
	}))
	defer srv.Close()

	w := NewWatcher(WatcherConfig{
		URL:          "ws" + strings.TrimPrefix(srv.URL, "http"),
		PingInterval: time.Second,
		MinBackoff:   100 * time.Millisecond,
		MaxBackoff:   400 * time.Millisecond,
	}, &recorder{}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Run(ctx))

	n := accepted.Load()
	assert.GreaterOrEqual(t, n, int32(2))
	assert.LessOrEqual(t, n, int32(5))
}

func TestWatcherUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	rec := &recorder{}
	w := NewWatcher(WatcherConfig{URL: url, MinBackoff: 5 * time.Millisecond, MaxBackoff: 10 * time.Millisecond}, rec, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Run(ctx))

	for _, online := range rec.snapshot() {
		assert.False(t, online)
	}
	assert.NotEmpty(t, rec.snapshot())
}

func TestWatcherRequiresURL(t *testing.T) {
	w := NewWatcher(WatcherConfig{}, &recorder{}, zap.NewNop())
	require.Error(t, w.Run(context.Background()))
}
