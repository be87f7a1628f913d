package paymentsdemo

import (
	"context"
	"encoding/json"
	"testing"

	coreerrs "github.com/linkmeAman/universal-middleware/internal/core/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateUserHandlerSucceedsWithUsername(t *testing.T) {
	h := NewCreateUserHandler()
	payload, _ := json.Marshal(CreateUserPayload{Username: "alice", Email: "alice@example.com"})

	result, err := h.Handle(context.Background(), nil, "cmd-1", payload)
	require.NoError(t, err)

	var reply map[string]string
	require.NoError(t, json.Unmarshal(result.Reply, &reply))
	assert.Equal(t, "cmd-1", reply["userId"])
	assert.Equal(t, "alice", reply["username"])

	require.Len(t, result.Events, 1)
	assert.Equal(t, "UserCreated", result.Events[0].Name)
	assert.Equal(t, "alice", result.Events[0].Key)
}

func TestCreateUserHandlerRejectsEmptyUsername(t *testing.T) {
	h := NewCreateUserHandler()
	payload, _ := json.Marshal(CreateUserPayload{Username: "", Email: "x@example.com"})

	_, err := h.Handle(context.Background(), nil, "cmd-1", payload)
	require.Error(t, err)
	assert.Equal(t, coreerrs.Permanent, coreerrs.ClassOf(err))
}

func TestCreateUserHandlerRejectsMalformedPayload(t *testing.T) {
	h := NewCreateUserHandler()
	_, err := h.Handle(context.Background(), nil, "cmd-1", json.RawMessage(`not json`))
	require.Error(t, err)
	assert.Equal(t, coreerrs.Permanent, coreerrs.ClassOf(err))
}

func TestLimitsHandlerBooksThenReverses(t *testing.T) {
	book := NewBookLimitsHandler()
	payload, _ := json.Marshal(paymentContext{BusinessKey: "biz-1"})
	result, err := book.Handle(context.Background(), nil, "cmd-1", payload)
	require.NoError(t, err)

	var afterBook paymentContext
	require.NoError(t, json.Unmarshal(result.Reply, &afterBook))
	assert.Equal(t, "limit-cmd-1", afterBook.LimitsReserveID)

	reverse := NewReverseLimitsHandler()
	result, err = reverse.Handle(context.Background(), nil, "cmd-1", result.Reply)
	require.NoError(t, err)
	var afterReverse paymentContext
	require.NoError(t, json.Unmarshal(result.Reply, &afterReverse))
	assert.Empty(t, afterReverse.LimitsReserveID)
}

func TestFxHandlerBooksThenUnwinds(t *testing.T) {
	book := NewBookFxHandler()
	payload, _ := json.Marshal(paymentContext{SourceCurrency: "USD", TargetCurrency: "EUR"})
	result, err := book.Handle(context.Background(), nil, "cmd-2", payload)
	require.NoError(t, err)

	var afterBook paymentContext
	require.NoError(t, json.Unmarshal(result.Reply, &afterBook))
	assert.Equal(t, "fx-cmd-2", afterBook.FxBookingID)

	unwind := NewUnwindFxHandler()
	result, err = unwind.Handle(context.Background(), nil, "cmd-2", result.Reply)
	require.NoError(t, err)
	var afterUnwind paymentContext
	require.NoError(t, json.Unmarshal(result.Reply, &afterUnwind))
	assert.Empty(t, afterUnwind.FxBookingID)
}

func TestTransactionHandlerFailsPermanentlyWhenFlagged(t *testing.T) {
	h := NewCreateTransactionHandler()
	payload, _ := json.Marshal(paymentContext{BusinessKey: "biz-1", FailTransaction: true})

	_, err := h.Handle(context.Background(), nil, "cmd-3", payload)
	require.Error(t, err)
	assert.Equal(t, coreerrs.Permanent, coreerrs.ClassOf(err))
}

func TestTransactionHandlerSucceedsWhenNotFlagged(t *testing.T) {
	h := NewCreateTransactionHandler()
	payload, _ := json.Marshal(paymentContext{BusinessKey: "biz-1"})

	result, err := h.Handle(context.Background(), nil, "cmd-3", payload)
	require.NoError(t, err)
	var after paymentContext
	require.NoError(t, json.Unmarshal(result.Reply, &after))
	assert.Equal(t, "txn-cmd-3", after.TransactionID)
}

func TestTransactionHandlerReverseClearsTransactionID(t *testing.T) {
	h := NewReverseTransactionHandler()
	payload, _ := json.Marshal(paymentContext{TransactionID: "txn-cmd-3"})

	result, err := h.Handle(context.Background(), nil, "cmd-3", payload)
	require.NoError(t, err)
	var after paymentContext
	require.NoError(t, json.Unmarshal(result.Reply, &after))
	assert.Empty(t, after.TransactionID)
}

func TestPaymentHandlerCreatesPaymentAndEmitsEvent(t *testing.T) {
	h := NewCreatePaymentHandler()
	payload, _ := json.Marshal(paymentContext{BusinessKey: "biz-1"})

	result, err := h.Handle(context.Background(), nil, "cmd-4", payload)
	require.NoError(t, err)

	var after paymentContext
	require.NoError(t, json.Unmarshal(result.Reply, &after))
	assert.Equal(t, "pay-cmd-4", after.PaymentID)

	require.Len(t, result.Events, 1)
	assert.Equal(t, "PaymentCreated", result.Events[0].Name)
	assert.Equal(t, "biz-1", result.Events[0].Key)
}
