package registry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/linkmeAman/universal-middleware/internal/database"
	coreerrs "github.com/linkmeAman/universal-middleware/internal/core/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler() HandlerFunc {
	return func(ctx context.Context, tx database.Tx, commandID string, payload json.RawMessage) (Result, error) {
		return Result{Reply: json.RawMessage(`{}`)}, nil
	}
}

func TestRegisterAndResolve(t *testing.T) {
	r := New()
	h := noopHandler()
	require.NoError(t, r.Register("CreateUser", h))

	got, err := r.Resolve("CreateUser")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestRegisterSameNameTwiceIsAmbiguous(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("CreateUser", noopHandler()))

	err := r.Register("CreateUser", noopHandler())
	assert.ErrorIs(t, err, coreerrs.ErrAmbiguousHandler)
}

func TestResolveUnknownCommand(t *testing.T) {
	r := New()
	_, err := r.Resolve("DoesNotExist")
	assert.ErrorIs(t, err, coreerrs.ErrUnknownCommand)
}

func TestProcessStartTracking(t *testing.T) {
	r := New()
	assert.False(t, r.IsProcessStart("InitiatePayment"))

	r.MarkProcessStart("InitiatePayment")
	assert.True(t, r.IsProcessStart("InitiatePayment"))
	assert.False(t, r.IsProcessStart("CreateUser"))
}

func TestHandlerFuncAdaptsPlainFunction(t *testing.T) {
	called := false
	h := HandlerFunc(func(ctx context.Context, tx database.Tx, commandID string, payload json.RawMessage) (Result, error) {
		called = true
		return Result{Reply: json.RawMessage(`{"id":"` + commandID + `"}`)}, nil
	})

	res, err := h.Handle(context.Background(), nil, "cmd-1", nil)
	require.NoError(t, err)
	assert.True(t, called)
	assert.JSONEq(t, `{"id":"cmd-1"}`, string(res.Reply))
}
