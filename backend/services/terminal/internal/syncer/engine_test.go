package syncer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"fuelpos/backend/services/terminal/internal/events"
	"fuelpos/backend/services/terminal/internal/models"
	"fuelpos/backend/services/terminal/internal/queue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSubmitter struct {
	mu       sync.Mutex
	calls    []string
	failKeys map[string]bool
	gate     chan struct{}
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (f *fakeSubmitter) SubmitSale(ctx context.Context, req models.SaleRequest) (models.SaleReceipt, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, req.IdempotencyKey)
	gate := f.gate
	fail := f.failKeys[req.IdempotencyKey]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return models.SaleReceipt{}, ctx.Err()
		}
	}
	if fail {
		return models.SaleReceipt{}, errors.New("server unavailable")
	}
	return models.SaleReceipt{TransactionID: "TX-" + req.IdempotencyKey, ConfirmedAt: time.Now().UTC()}, nil
}

func (f *fakeSubmitter) callKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type countingPublisher struct {
	mu      sync.Mutex
	results []Result
}

func (p *countingPublisher) Publish(eventType string, data any) {
	if eventType != events.TypeSyncResult {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, data.(Result))
}

func (p *countingPublisher) passes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.results)
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

func newQueue(t *testing.T, n int) (*queue.Store, []models.OfflineTransaction) {
	t.Helper()
	s, err := queue.Open(filepath.Join(t.TempDir(), "queue.json"), 0, zap.NewNop())
	require.NoError(t, err)
	var items []models.OfflineTransaction
	for i := 0; i < n; i++ {
		tx, err := s.Enqueue(models.NewSaleDraft("Pertamax", float64(i+1), 1500, 2), queue.WithIdempotencyKey(fmt.Sprintf("key-%d", i+1)))
		require.NoError(t, err)
		items = append(items, tx)
	}
	return s, items
}

func TestPassContinuesPastFailures(t *testing.T) {
	q, _ := newQueue(t, 3)
	sub := &fakeSubmitter{failKeys: map[string]bool{"key-2": true}}
	engine := NewEngine(q, sub, nil, nil, nil, time.Second, zap.NewNop())

	res, err := engine.SyncNow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"key-1", "key-2", "key-3"}, sub.callKeys(), "submitted in FIFO order")
	assert.Equal(t, 2, res.SyncedCount)
	assert.Equal(t, 1, res.RemainingCount)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "key-2", res.Failures[0].IdempotencyKey)

	remaining := q.List()
	require.Len(t, remaining, 1)
	assert.Equal(t, "key-2", remaining[0].IdempotencyKey)
}

func TestSubmissionCarriesQueuedSale(t *testing.T) {
	q, items := newQueue(t, 1)
	var got models.SaleRequest
	sub := submitFunc(func(_ context.Context, req models.SaleRequest) (models.SaleReceipt, error) {
		got = req
		return models.SaleReceipt{TransactionID: "TX-9"}, nil
	})
	engine := NewEngine(q, sub, nil, nil, nil, time.Second, zap.NewNop())

	res, err := engine.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, items[0].Request(), got)
	assert.Equal(t, "TX-9", res.Receipts[0].TransactionID)
	assert.Zero(t, q.Count())
}

type submitFunc func(ctx context.Context, req models.SaleRequest) (models.SaleReceipt, error)

func (f submitFunc) SubmitSale(ctx context.Context, req models.SaleRequest) (models.SaleReceipt, error) {
	return f(ctx, req)
}

func TestSyncNowOffline(t *testing.T) {
	q, _ := newQueue(t, 2)
	sub := &fakeSubmitter{}
	engine := NewEngine(q, sub, func() bool { return false }, nil, nil, time.Second, zap.NewNop())

	res, err := engine.SyncNow(context.Background())
	require.ErrorIs(t, err, ErrOffline)
	assert.Equal(t, 2, res.RemainingCount)
	assert.Empty(t, sub.callKeys())
}

func TestTriggersDuringPassCoalesce(t *testing.T) {
	q, _ := newQueue(t, 1)
	gate := make(chan struct{})
	sub := &fakeSubmitter{failKeys: map[string]bool{"key-1": true}, gate: gate}
	pub := &countingPublisher{}
	engine := NewEngine(q, sub, nil, nil, pub, time.Second, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		engine.Run(ctx)
		close(done)
	}()

	engine.Trigger()
	waitFor(t, time.Second, func() bool { return len(sub.callKeys()) == 1 })
	for i := 0; i < 5; i++ {
		engine.Trigger()
	}
	close(gate)

	waitFor(t, time.Second, func() bool { return pub.passes() == 2 })
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, pub.passes(), "five triggers during a pass yield one follow-up")
	assert.Len(t, sub.callKeys(), 2)

	cancel()
	<-done
}

func TestPassesNeverOverlap(t *testing.T) {
	q, _ := newQueue(t, 5)
	sub := &fakeSubmitter{}
	engine := NewEngine(q, sub, nil, nil, nil, time.Second, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		engine.Run(ctx)
		close(done)
	}()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			engine.Trigger()
			_, _ = engine.SyncNow(context.Background())
		}()
	}
	wg.Wait()
	waitFor(t, time.Second, func() bool { return q.Count() == 0 })

	cancel()
	<-done

	assert.Equal(t, int32(1), sub.maxSeen.Load())
	keys := sub.callKeys()
	assert.Len(t, keys, 5, "each queued sale submitted exactly once")
	seen := map[string]bool{}
	for _, k := range keys {
		assert.False(t, seen[k], "duplicate submission of %s", k)
		seen[k] = true
	}
}

func TestTriggerIgnoredWhileOffline(t *testing.T) {
	q, _ := newQueue(t, 1)
	sub := &fakeSubmitter{}
	var online atomic.Bool
	engine := NewEngine(q, sub, online.Load, nil, nil, time.Second, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		engine.Run(ctx)
		close(done)
	}()

	engine.Trigger()
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, sub.callKeys())

	online.Store(true)
	engine.Trigger()
	waitFor(t, time.Second, func() bool { return q.Count() == 0 })

	cancel()
	<-done
}

func TestCancelledPassStops(t *testing.T) {
	q, _ := newQueue(t, 3)
	sub := &fakeSubmitter{}
	engine := NewEngine(q, sub, nil, nil, nil, time.Second, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := engine.SyncNow(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.SyncedCount)
	assert.Equal(t, 3, res.RemainingCount)
}
