package command

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/linkmeAman/universal-middleware/internal/database/memdb"
	coreerrs "github.com/linkmeAman/universal-middleware/internal/core/errs"
	"github.com/linkmeAman/universal-middleware/internal/outbox"
	"github.com/linkmeAman/universal-middleware/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func nopLogger() *logger.Logger {
	return &logger.Logger{Logger: zap.NewNop()}
}

func newTestBus() (*Bus, Store, *outbox.InMemoryStore) {
	store := NewInMemoryStore()
	ob := outbox.NewInMemoryStore()
	bus := NewBus(memdb.New(), store, ob, nil, nopLogger())
	return bus, store, ob
}

func TestBusAcceptPersistsCommandAndOutboxRow(t *testing.T) {
	bus, store, ob := newTestBus()
	ctx := context.Background()

	id, err := bus.Accept(ctx, "CreateUser", "idem-1", "biz-1", json.RawMessage(`{"username":"a"}`), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	c, err := store.Find(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, c.Status)
	assert.Equal(t, "idem-1", c.IdempotencyKey)

	rows, err := ob.Claim(ctx, 10, "test")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, outbox.CategoryCommand, rows[0].Category)
}

func TestBusAcceptRejectsDuplicateIdempotencyKey(t *testing.T) {
	bus, _, ob := newTestBus()
	ctx := context.Background()

	_, err := bus.Accept(ctx, "CreateUser", "idem-1", "biz-1", json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	_, err = bus.Accept(ctx, "CreateUser", "idem-1", "biz-2", json.RawMessage(`{}`), nil)
	assert.ErrorIs(t, err, coreerrs.ErrDuplicateIdempotencyKey)

	rows, err := ob.Claim(ctx, 10, "test")
	require.NoError(t, err)
	assert.Len(t, rows, 1, "exactly one outbox row created across both accept calls")
}

func TestBusStatusReturnsCurrentCommand(t *testing.T) {
	bus, _, _ := newTestBus()
	ctx := context.Background()

	id, err := bus.Accept(ctx, "CreateUser", "idem-1", "biz-1", json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	c, err := bus.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, c.ID)
}
