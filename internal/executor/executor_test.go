package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linkmeAman/universal-middleware/internal/command"
	coreerrs "github.com/linkmeAman/universal-middleware/internal/core/errs"
	"github.com/linkmeAman/universal-middleware/internal/database"
	"github.com/linkmeAman/universal-middleware/internal/database/memdb"
	"github.com/linkmeAman/universal-middleware/internal/dlq"
	"github.com/linkmeAman/universal-middleware/internal/envelope"
	"github.com/linkmeAman/universal-middleware/internal/inbox"
	"github.com/linkmeAman/universal-middleware/internal/outbox"
	"github.com/linkmeAman/universal-middleware/internal/registry"
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
		sharedTestMetrics = metrics.New("executor_test")
	})
	return sharedTestMetrics
}

func testLogger() *logger.Logger {
	return &logger.Logger{Logger: zap.NewNop()}
}

type testRig struct {
	ex       *Executor
	commands *command.InMemoryStore
	in       *inbox.InMemoryStore
	ob       *outbox.InMemoryStore
	dlq      *dlq.InMemoryStore
	reg      *registry.Registry
}

func newTestRig() *testRig {
	r := &testRig{
		commands: command.NewInMemoryStore(),
		in:       inbox.NewInMemoryStore(),
		ob:       outbox.NewInMemoryStore(),
		dlq:      dlq.NewInMemoryStore(),
		reg:      registry.New(),
	}
	cfg := Config{LeaseDuration: time.Minute}
	r.ex = New(cfg, memdb.New(), r.commands, r.in, r.ob, r.dlq, r.reg, nil, nil, testMetrics(), testLogger())
	return r
}

// acceptedCommand mirrors what command.Bus.Accept does before handing a
// delivery to the executor: a PENDING command row plus a matching command
// envelope carrying the same CommandID.
func acceptedCommand(name string, payload json.RawMessage) (*command.Command, envelope.Envelope) {
	c := command.New(name, "idemp-"+name, "biz-1", payload)
	env := envelope.NewCommand(name, c.ID, "corr-1", "biz-1", payload, map[string]string{
		envelope.HeaderReplyTo: "reply.queue",
	})
	return c, env
}

func TestExecutorHappyPathPersistsReplyAndEvents(t *testing.T) {
	r := newTestRig()
	ctx := context.Background()

	calls := 0
	require.NoError(t, r.reg.Register("CreateUser", registry.HandlerFunc(
		func(_ context.Context, _ database.Tx, commandID string, payload json.RawMessage) (registry.Result, error) {
			calls++
			return registry.Result{
				Reply: json.RawMessage(`{"userId":"u-1"}`),
				Events: []registry.Event{
					{Name: "UserCreated", Key: "u-1", Payload: json.RawMessage(`{"userId":"u-1"}`)},
				},
			}, nil
		},
	)))

	c, env := acceptedCommand("CreateUser", json.RawMessage(`{"email":"a@b.com"}`))
	require.NoError(t, r.commands.SavePending(ctx, nil, c))

	err := r.ex.Process(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	got, err := r.commands.Find(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, command.StatusSucceeded, got.Status)
	assert.JSONEq(t, `{"userId":"u-1"}`, string(got.Reply))

	rows, err := r.ob.Claim(ctx, 10, "test")
	require.NoError(t, err)
	require.Len(t, rows, 3, "reply + canonical CommandCompleted event + handler-declared UserCreated event")

	var categories []outbox.Category
	for _, row := range rows {
		categories = append(categories, row.Category)
	}
	assert.Contains(t, categories, outbox.CategoryReply)
	mqReplies := 0
	kafkaEvents := 0
	for _, row := range rows {
		switch row.Category {
		case outbox.CategoryReply:
			mqReplies++
		case outbox.CategoryEvent:
			kafkaEvents++
		}
	}
	assert.Equal(t, 1, mqReplies)
	assert.Equal(t, 2, kafkaEvents)
}

func TestExecutorDuplicateDeliverySwallowedByInboxGate(t *testing.T) {
	r := newTestRig()
	ctx := context.Background()

	calls := 0
	require.NoError(t, r.reg.Register("CreateUser", registry.HandlerFunc(
		func(_ context.Context, _ database.Tx, commandID string, payload json.RawMessage) (registry.Result, error) {
			calls++
			return registry.Result{Reply: json.RawMessage(`{}`)}, nil
		},
	)))

	c, env := acceptedCommand("CreateUser", json.RawMessage(`{}`))
	require.NoError(t, r.commands.SavePending(ctx, nil, c))

	require.NoError(t, r.ex.Process(ctx, env))
	require.NoError(t, r.ex.Process(ctx, env), "redelivery of the same messageId must be swallowed, not errored")
	assert.Equal(t, 1, calls, "handler must run exactly once across both deliveries")

	rows, err := r.ob.Claim(ctx, 10, "test")
	require.NoError(t, err)
	assert.Len(t, rows, 2, "reply + canonical event; duplicate delivery must not emit a second batch")
}

func TestExecutorPermanentFailureParksToDLQAndMarksFailed(t *testing.T) {
	r := newTestRig()
	ctx := context.Background()

	require.NoError(t, r.reg.Register("ChargeCard", registry.HandlerFunc(
		func(_ context.Context, _ database.Tx, commandID string, payload json.RawMessage) (registry.Result, error) {
			return registry.Result{}, coreerrs.WrapPermanent(errors.New("card declined"))
		},
	)))

	c, env := acceptedCommand("ChargeCard", json.RawMessage(`{"amount":500}`))
	require.NoError(t, r.commands.SavePending(ctx, nil, c))

	err := r.ex.Process(ctx, env)
	require.NoError(t, err, "a permanent failure is handled terminally and must not be returned to the caller")

	got, err := r.commands.Find(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, command.StatusFailed, got.Status)

	entries, err := r.dlq.List(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, c.ID, entries[0].CommandID)
	assert.Equal(t, coreerrs.Permanent, entries[0].ErrorClass)

	rows, err := r.ob.Claim(ctx, 10, "test")
	require.NoError(t, err)
	require.Len(t, rows, 2, "failure reply + canonical CommandFailed event")
}

func TestExecutorRetryableFailureIsReturnedForRedelivery(t *testing.T) {
	r := newTestRig()
	ctx := context.Background()

	require.NoError(t, r.reg.Register("DebitLedger", registry.HandlerFunc(
		func(_ context.Context, _ database.Tx, commandID string, payload json.RawMessage) (registry.Result, error) {
			return registry.Result{}, coreerrs.WrapRetryableBusiness(errors.New("ledger temporarily locked"))
		},
	)))

	c, env := acceptedCommand("DebitLedger", json.RawMessage(`{}`))
	require.NoError(t, r.commands.SavePending(ctx, nil, c))

	err := r.ex.Process(ctx, env)
	assert.Error(t, err, "a retryable failure must propagate so the broker consumer does not ack")

	rows, err := r.ob.Claim(ctx, 10, "test")
	require.NoError(t, err)
	assert.Empty(t, rows, "no reply/event rows are emitted on a retryable failure")
}

func TestExecutorUnknownCommandNameIsPermanent(t *testing.T) {
	r := newTestRig()
	ctx := context.Background()

	c, env := acceptedCommand("NoSuchCommand", json.RawMessage(`{}`))
	require.NoError(t, r.commands.SavePending(ctx, nil, c))

	err := r.ex.Process(ctx, env)
	require.NoError(t, err, "an unknown command name is a permanent routing failure, handled terminally")

	got, err := r.commands.Find(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, command.StatusFailed, got.Status)

	entries, err := r.dlq.List(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestExecutorRejectsInvalidEnvelope(t *testing.T) {
	r := newTestRig()
	ctx := context.Background()

	err := r.ex.Process(ctx, envelope.Envelope{})
	require.Error(t, err)
	assert.ErrorIs(t, err, coreerrs.ErrInvalidEnvelope)
}
