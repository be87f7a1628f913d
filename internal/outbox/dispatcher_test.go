package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linkmeAman/universal-middleware/pkg/logger"
	"github.com/linkmeAman/universal-middleware/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testMetricsOnce sync.Once
var sharedTestMetrics *metrics.Metrics

func testMetrics() *metrics.Metrics {
	testMetricsOnce.Do(func() {
		sharedTestMetrics = metrics.New("outbox_dispatcher_test")
	})
	return sharedTestMetrics
}

func testLogger() *logger.Logger {
	return &logger.Logger{Logger: zap.NewNop()}
}

type fakePublisher struct {
	mu      sync.Mutex
	calls   int
	failN   int
	lastErr error
}

func (f *fakePublisher) Publish(_ context.Context, _, _, _ string, _ []byte, _ map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failN {
		return errors.New("transport unavailable")
	}
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func TestDispatcherPublishesCommandRowsOverMQ(t *testing.T) {
	store := NewInMemoryStore()
	mq := &fakePublisher{}
	kafka := &fakePublisher{}
	d := NewDispatcher(DefaultDispatcherConfig(), store, mq, kafka, testMetrics(), testLogger())

	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, nil, newRow(CategoryCommand)))

	require.NoError(t, d.sweep(ctx))

	assert.Equal(t, 1, mq.calls)
	assert.Zero(t, kafka.calls)
}

func TestDispatcherPublishesEventRowsOverKafka(t *testing.T) {
	store := NewInMemoryStore()
	mq := &fakePublisher{}
	kafka := &fakePublisher{}
	d := NewDispatcher(DefaultDispatcherConfig(), store, mq, kafka, testMetrics(), testLogger())

	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, nil, newRow(CategoryEvent)))

	require.NoError(t, d.sweep(ctx))

	assert.Equal(t, 1, kafka.calls)
	assert.Zero(t, mq.calls)
}

func TestDispatcherReschedulesOnPublishFailure(t *testing.T) {
	store := NewInMemoryStore()
	mq := &fakePublisher{failN: 1}
	kafka := &fakePublisher{}
	d := NewDispatcher(DefaultDispatcherConfig(), store, mq, kafka, testMetrics(), testLogger())

	ctx := context.Background()
	r := newRow(CategoryCommand)
	require.NoError(t, store.Insert(ctx, nil, r))

	require.NoError(t, d.sweep(ctx))
	assert.Equal(t, 1, mq.calls)

	// Row should have been rescheduled, not claimable until its backoff
	// elapses (backoffFor(1 attempt) = 2s).
	rows, err := store.Claim(ctx, 10, "probe")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestDispatcherEventuallyPublishesAfterTransientFailures(t *testing.T) {
	store := NewInMemoryStore()
	mq := &fakePublisher{failN: 2}
	kafka := &fakePublisher{}
	d := NewDispatcher(DefaultDispatcherConfig(), store, mq, kafka, testMetrics(), testLogger())

	ctx := context.Background()
	r := newRow(CategoryCommand)
	require.NoError(t, store.Insert(ctx, nil, r))

	// First two sweeps fail and reschedule the row with a 2s and then a 4s
	// backoff; the test clears NextAt directly so each retry is due at once
	// without sleeping real time.
	require.NoError(t, d.sweep(ctx))
	store.mu.Lock()
	store.rows[r.ID].NextAt = nil
	store.mu.Unlock()

	require.NoError(t, d.sweep(ctx))
	store.mu.Lock()
	store.rows[r.ID].NextAt = nil
	store.mu.Unlock()

	require.NoError(t, d.sweep(ctx))

	assert.Equal(t, 3, mq.calls)
	store.mu.Lock()
	finalStatus := store.rows[r.ID].Status
	finalAttempts := store.rows[r.ID].Attempts
	store.mu.Unlock()
	assert.Equal(t, StatusPublished, finalStatus)
	assert.Equal(t, 2, finalAttempts)
}

func TestDispatcherMarksUnknownCategoryPermanentlyFailed(t *testing.T) {
	store := NewInMemoryStore()
	mq := &fakePublisher{}
	kafka := &fakePublisher{}
	d := NewDispatcher(DefaultDispatcherConfig(), store, mq, kafka, testMetrics(), testLogger())

	ctx := context.Background()
	r := newRow(Category("bogus"))
	require.NoError(t, store.Insert(ctx, nil, r))

	require.NoError(t, d.sweep(ctx))

	rows, err := store.Claim(ctx, 10, "probe")
	require.NoError(t, err)
	assert.Empty(t, rows, "unknown category row must not be reschedulable as NEW")
	store.mu.Lock()
	status := store.rows[r.ID].Status
	store.mu.Unlock()
	assert.Equal(t, StatusFailed, status)
}

func TestDispatcherKickPublishesASpecificRowImmediately(t *testing.T) {
	store := NewInMemoryStore()
	mq := &fakePublisher{}
	kafka := &fakePublisher{}
	d := NewDispatcher(DefaultDispatcherConfig(), store, mq, kafka, testMetrics(), testLogger())

	ctx := context.Background()
	r := newRow(CategoryCommand)
	require.NoError(t, store.Insert(ctx, nil, r))

	d.Kick(ctx, r.ID)

	assert.Equal(t, 1, mq.calls)
	store.mu.Lock()
	status := store.rows[r.ID].Status
	store.mu.Unlock()
	assert.Equal(t, StatusPublished, status)
}

func TestDispatcherKickDropsAnIDTheSweeperAlreadyClaimed(t *testing.T) {
	store := NewInMemoryStore()
	mq := &fakePublisher{}
	kafka := &fakePublisher{}
	d := NewDispatcher(DefaultDispatcherConfig(), store, mq, kafka, testMetrics(), testLogger())

	ctx := context.Background()
	r := newRow(CategoryCommand)
	require.NoError(t, store.Insert(ctx, nil, r))
	_, err := store.Claim(ctx, 10, "sweeper")
	require.NoError(t, err)

	d.Kick(ctx, r.ID)

	assert.Zero(t, mq.calls, "Kick must not publish a row the sweeper already claimed")
}

func TestBackoffForIsClampedAtMaxBackoff(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{MaxBackoff: 5 * time.Second}, nil, nil, nil, testMetrics(), testLogger())

	assert.Equal(t, 2*time.Second, d.backoffFor(1))
	assert.Equal(t, 4*time.Second, d.backoffFor(2))
	assert.Equal(t, 5*time.Second, d.backoffFor(20), "attempts=20 must clamp to maxBackoff")
}
