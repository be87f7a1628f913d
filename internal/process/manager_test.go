package process

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/linkmeAman/universal-middleware/internal/command"
	"github.com/linkmeAman/universal-middleware/internal/outbox"
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
		sharedTestMetrics = metrics.New("process_manager_test")
	})
	return sharedTestMetrics
}

func testLogger() *logger.Logger {
	return &logger.Logger{Logger: zap.NewNop()}
}

func newTestManager() (*Manager, *InMemoryStore, *outbox.InMemoryStore) {
	store := NewInMemoryStore()
	ob := outbox.NewInMemoryStore()
	commands := command.NewInMemoryStore()
	m := NewManager(store, ob, commands, testMetrics(), testLogger())
	return m, store, ob
}

func kindsOf(entries []LogEntry) []LogEventKind {
	out := make([]LogEventKind, len(entries))
	for i, e := range entries {
		out[i] = e.Kind
	}
	return out
}

func TestManagerStartCreatesRunningInstanceAndEmitsFirstStep(t *testing.T) {
	m, store, ob := newTestManager()
	m.Register(SimplePaymentGraph())
	ctx := context.Background()

	reply, emitted, err := m.Start(ctx, nil, "SimplePayment", "cmd-init", json.RawMessage(`{"requiresFx":false}`))
	require.NoError(t, err)
	require.Len(t, emitted, 1)

	var parsed struct{ ProcessID string `json:"processId"` }
	require.NoError(t, json.Unmarshal(reply, &parsed))
	assert.NotEmpty(t, parsed.ProcessID)

	inst, err := store.Find(ctx, parsed.ProcessID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, inst.Status)
	assert.Equal(t, "BookLimits", inst.CurrentStep)

	log, err := store.LogForInstance(ctx, parsed.ProcessID)
	require.NoError(t, err)
	assert.Equal(t, []LogEventKind{EventProcessStarted, EventStepScheduled}, kindsOf(log))

	rows, err := ob.Claim(ctx, 10, "test")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, outbox.CategoryCommand, rows[0].Category)
}

func TestManagerHappyPathWithoutFxReachesSucceeded(t *testing.T) {
	m, store, _ := newTestManager()
	m.Register(SimplePaymentGraph())
	ctx := context.Background()

	reply, _, err := m.Start(ctx, nil, "SimplePayment", "cmd-init", json.RawMessage(`{"requiresFx":false}`))
	require.NoError(t, err)
	var parsed struct{ ProcessID string `json:"processId"` }
	require.NoError(t, json.Unmarshal(reply, &parsed))
	pid := parsed.ProcessID

	_, err = m.HandleStepReply(ctx, nil, pid, "BookLimits", true, json.RawMessage(`{}`))
	require.NoError(t, err)
	inst, err := store.Find(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, "CreateTransaction", inst.CurrentStep, "BookFx must be skipped when requiresFx is false")

	_, err = m.HandleStepReply(ctx, nil, pid, "CreateTransaction", true, json.RawMessage(`{}`))
	require.NoError(t, err)

	_, err = m.HandleStepReply(ctx, nil, pid, "CreatePayment", true, json.RawMessage(`{}`))
	require.NoError(t, err)

	inst, err = store.Find(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, inst.Status)

	log, err := store.LogForInstance(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, EventProcessEnded, log[len(log)-1].Kind)
}

func TestManagerCompensatesCrossCurrencyPaymentOnPermanentFailure(t *testing.T) {
	m, store, _ := newTestManager()
	m.Register(SimplePaymentGraph())
	ctx := context.Background()

	reply, _, err := m.Start(ctx, nil, "SimplePayment", "cmd-init", json.RawMessage(`{"requiresFx":true}`))
	require.NoError(t, err)
	var parsed struct{ ProcessID string `json:"processId"` }
	require.NoError(t, json.Unmarshal(reply, &parsed))
	pid := parsed.ProcessID

	_, err = m.HandleStepReply(ctx, nil, pid, "BookLimits", true, json.RawMessage(`{}`))
	require.NoError(t, err)
	inst, err := store.Find(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, "BookFx", inst.CurrentStep, "cross-currency payment must route through BookFx")

	_, err = m.HandleStepReply(ctx, nil, pid, "BookFx", true, json.RawMessage(`{}`))
	require.NoError(t, err)

	// CreateTransaction fails permanently: no retries configured, so the
	// manager must begin reverse-traversal compensation immediately.
	_, err = m.HandleStepReply(ctx, nil, pid, "CreateTransaction", false, json.RawMessage(`{"error":"ledger rejected"}`))
	require.NoError(t, err)

	inst, err = store.Find(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, StatusCompensating, inst.Status)
	assert.Equal(t, "BookFx", inst.CurrentStep, "first compensation target is the most recently completed step with a compensation")

	// The FX-unwind compensation command's reply carries stepName=BookFx.
	_, err = m.HandleStepReply(ctx, nil, pid, "BookFx", true, json.RawMessage(`{}`))
	require.NoError(t, err)
	inst, err = store.Find(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, StatusCompensating, inst.Status)
	assert.Equal(t, "BookLimits", inst.CurrentStep)

	// The limits-reverse compensation command's reply carries stepName=BookLimits.
	_, err = m.HandleStepReply(ctx, nil, pid, "BookLimits", true, json.RawMessage(`{}`))
	require.NoError(t, err)

	inst, err = store.Find(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, StatusCompensated, inst.Status)

	log, err := store.LogForInstance(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, []LogEventKind{
		EventProcessStarted,
		EventStepScheduled,
		EventStepCompleted,
		EventStepScheduled,
		EventStepCompleted,
		EventStepScheduled,
		EventStepFailed,
		EventCompensationScheduled,
		EventCompensationCompleted,
		EventCompensationScheduled,
		EventCompensationCompleted,
		EventProcessEnded,
	}, kindsOf(log))
	assert.Equal(t, EventProcessEnded, log[len(log)-1].Kind)

	var detail struct{ Status string `json:"status"` }
	require.NoError(t, json.Unmarshal(log[len(log)-1].Detail, &detail))
	assert.Equal(t, string(StatusCompensated), detail.Status)
}

func TestManagerCompensationFailurePermanentlyFailsProcess(t *testing.T) {
	m, store, _ := newTestManager()
	m.Register(SimplePaymentGraph())
	ctx := context.Background()

	reply, _, err := m.Start(ctx, nil, "SimplePayment", "cmd-init", json.RawMessage(`{"requiresFx":false}`))
	require.NoError(t, err)
	var parsed struct{ ProcessID string `json:"processId"` }
	require.NoError(t, json.Unmarshal(reply, &parsed))
	pid := parsed.ProcessID

	_, err = m.HandleStepReply(ctx, nil, pid, "BookLimits", true, json.RawMessage(`{}`))
	require.NoError(t, err)
	// CreateTransaction fails permanently, triggering compensation of BookLimits.
	_, err = m.HandleStepReply(ctx, nil, pid, "CreateTransaction", false, json.RawMessage(`{}`))
	require.NoError(t, err)

	// The compensation command itself (limits.reverse) fails permanently.
	_, err = m.HandleStepReply(ctx, nil, pid, "BookLimits", false, json.RawMessage(`{}`))
	require.NoError(t, err)

	inst, err := store.Find(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, inst.Status, "a failed compensation is never retried and ends the process FAILED")
}

func TestManagerRetriesStepBeforeCompensating(t *testing.T) {
	m, store, _ := newTestManager()
	graph := StartWith("Retryable", "A", echoCommand("a.cmd")).
		WithCompensation(echoCommand("a.undo")).
		Then("B", echoCommand("b.cmd")).WithRetries(2).
		End()
	m.Register(graph)
	ctx := context.Background()

	reply, _, err := m.Start(ctx, nil, "Retryable", "cmd-init", json.RawMessage(`{}`))
	require.NoError(t, err)
	var parsed struct{ ProcessID string `json:"processId"` }
	require.NoError(t, json.Unmarshal(reply, &parsed))
	pid := parsed.ProcessID

	_, err = m.HandleStepReply(ctx, nil, pid, "A", true, json.RawMessage(`{}`))
	require.NoError(t, err)
	inst, err := store.Find(ctx, pid)
	require.NoError(t, err)
	require.Equal(t, "B", inst.CurrentStep)

	_, err = m.HandleStepReply(ctx, nil, pid, "B", false, json.RawMessage(`{}`))
	require.NoError(t, err)
	inst, err = store.Find(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, inst.Status, "a retryable step failure must not begin compensation")
	assert.Equal(t, 1, inst.Retries)

	_, err = m.HandleStepReply(ctx, nil, pid, "B", false, json.RawMessage(`{}`))
	require.NoError(t, err)
	inst, err = store.Find(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, inst.Status)
	assert.Equal(t, 2, inst.Retries)

	// Retries exhausted (MaxRetries=2): the third failure must begin
	// compensation instead of retrying again.
	_, err = m.HandleStepReply(ctx, nil, pid, "B", false, json.RawMessage(`{}`))
	require.NoError(t, err)
	inst, err = store.Find(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, StatusCompensating, inst.Status, "B has a predecessor with a compensation, so the process awaits its reply")
}

func TestManagerHandleStepReplyUnknownProcess(t *testing.T) {
	m, _, _ := newTestManager()
	_, err := m.HandleStepReply(context.Background(), nil, "does-not-exist", "A", true, nil)
	assert.Error(t, err)
}
