// Package paymentsdemo is the minimal illustrative set of domain handlers
// the execution core needs to be runnable end to end: places
// concrete domain handlers out of scope for the core itself, but a command
// bus with nothing registered behind it can't demonstrate the pipeline.
// These mirror spec scenario 1 (CreateUser) and scenario 6 (SimplePayment's
// BookLimits/BookFx/CreateTransaction/CreatePayment steps and their
// compensations), grounded on
// cmd/offline-runner/user_handler.go UserCreateHandler shape.
package paymentsdemo

import (
	"context"
	"encoding/json"
	"fmt"

	coreerrs "github.com/linkmeAman/universal-middleware/internal/core/errs"
	"github.com/linkmeAman/universal-middleware/internal/database"
	"github.com/linkmeAman/universal-middleware/internal/registry"
)

// CreateUserPayload is the expected body of a CreateUser command.
type CreateUserPayload struct {
	Username string `json:"username"`
	Email string `json:"email"`
}

// CreateUserHandler implements spec scenario 1: a plain (non-process)
// command that succeeds deterministically unless the username is empty,
// which it treats as a Permanent validation failure so callers can observe
// the DLQ path (scenario 4) without a saga involved.
type CreateUserHandler struct{}

func NewCreateUserHandler() *CreateUserHandler { return &CreateUserHandler{} }

func (h *CreateUserHandler) Handle(_ context.Context, _ database.Tx, commandID string, payload json.RawMessage) (registry.Result, error) {
	var p CreateUserPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return registry.Result{}, coreerrs.WrapPermanent(fmt.Errorf("decode CreateUser payload: %w", err))
	}
	if p.Username == "" {
		return registry.Result{}, coreerrs.WrapPermanent(fmt.Errorf("bad input: username required"))
	}

	reply, err := json.Marshal(map[string]string{
		"userId": commandID,
		"username": p.Username,
	})
	if err != nil {
		return registry.Result{}, coreerrs.WrapTransient(err)
	}

	eventPayload, err := json.Marshal(map[string]string{"userId": commandID, "email": p.Email})
	if err != nil {
		return registry.Result{}, coreerrs.WrapTransient(err)
	}

	return registry.Result{
		Reply: reply,
		Events: []registry.Event{
			{Name: "UserCreated", Key: p.Username, Payload: eventPayload},
		},
	}, nil
}

// paymentContext is the shape of SimplePayment's accumulated process data
// (spec scenario 6), carried as each step's command payload and merged
// back with every step's reply.
type paymentContext struct {
	BusinessKey string `json:"businessKey,omitempty"`
	SourceAccount string `json:"sourceAccount,omitempty"`
	DestAccount string `json:"destAccount,omitempty"`
	Amount int64 `json:"amount,omitempty"`
	SourceCurrency string `json:"sourceCurrency,omitempty"`
	TargetCurrency string `json:"targetCurrency,omitempty"`
	RequiresFx bool `json:"requiresFx,omitempty"`
	FailTransaction bool `json:"failTransaction,omitempty"`
	LimitsReserveID string `json:"limitsReserveId,omitempty"`
	FxBookingID string `json:"fxBookingId,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
	PaymentID string `json:"paymentId,omitempty"`
}

func decodeStep(payload json.RawMessage) (paymentContext, error) {
	var ctx paymentContext
	if len(payload) == 0 {
		return ctx, nil
	}
	if err := json.Unmarshal(payload, &ctx); err != nil {
		return ctx, coreerrs.WrapPermanent(fmt.Errorf("decode payment step payload: %w", err))
	}
	return ctx, nil
}

func replyFrom(ctx paymentContext) (json.RawMessage, error) {
	b, err := json.Marshal(ctx)
	if err != nil {
		return nil, coreerrs.WrapTransient(err)
	}
	return b, nil
}

// LimitsHandler books and reverses the exposure limit hold against the
// source account.
type LimitsHandler struct{ Reverse bool }

func NewBookLimitsHandler() *LimitsHandler { return &LimitsHandler{} }
func NewReverseLimitsHandler() *LimitsHandler { return &LimitsHandler{Reverse: true} }

func (h *LimitsHandler) Handle(_ context.Context, _ database.Tx, commandID string, payload json.RawMessage) (registry.Result, error) {
	ctx, err := decodeStep(payload)
	if err != nil {
		return registry.Result{}, err
	}
	if h.Reverse {
		ctx.LimitsReserveID = ""
	} else {
		ctx.LimitsReserveID = "limit-" + commandID
	}
	reply, err := replyFrom(ctx)
	if err != nil {
		return registry.Result{}, err
	}
	return registry.Result{Reply: reply}, nil
}

// FxHandler books and unwinds the cross-currency conversion leg.
type FxHandler struct{ Unwind bool }

func NewBookFxHandler() *FxHandler { return &FxHandler{} }
func NewUnwindFxHandler() *FxHandler { return &FxHandler{Unwind: true} }

func (h *FxHandler) Handle(_ context.Context, _ database.Tx, commandID string, payload json.RawMessage) (registry.Result, error) {
	ctx, err := decodeStep(payload)
	if err != nil {
		return registry.Result{}, err
	}
	if h.Unwind {
		ctx.FxBookingID = ""
	} else {
		ctx.FxBookingID = "fx-" + commandID
	}
	reply, err := replyFrom(ctx)
	if err != nil {
		return registry.Result{}, err
	}
	return registry.Result{Reply: reply}, nil
}

// TransactionHandler posts and reverses the ledger transaction. It returns
// a Permanent failure when the step payload carries failTransaction=true,
// the knob spec scenario 6 exercises to drive a saga into compensation.
type TransactionHandler struct{ Reverse bool }

func NewCreateTransactionHandler() *TransactionHandler { return &TransactionHandler{} }
func NewReverseTransactionHandler() *TransactionHandler { return &TransactionHandler{Reverse: true} }

func (h *TransactionHandler) Handle(_ context.Context, _ database.Tx, commandID string, payload json.RawMessage) (registry.Result, error) {
	ctx, err := decodeStep(payload)
	if err != nil {
		return registry.Result{}, err
	}
	if !h.Reverse && ctx.FailTransaction {
		return registry.Result{}, coreerrs.WrapPermanent(fmt.Errorf("ledger rejected transaction for business key %q", ctx.BusinessKey))
	}
	if h.Reverse {
		ctx.TransactionID = ""
	} else {
		ctx.TransactionID = "txn-" + commandID
	}
	reply, err := replyFrom(ctx)
	if err != nil {
		return registry.Result{}, err
	}
	return registry.Result{Reply: reply}, nil
}

// PaymentHandler creates the terminal payment record. It has no
// compensation in the SimplePayment graph: once a payment is created the
// saga is done.
type PaymentHandler struct{}

func NewCreatePaymentHandler() *PaymentHandler { return &PaymentHandler{} }

func (h *PaymentHandler) Handle(_ context.Context, _ database.Tx, commandID string, payload json.RawMessage) (registry.Result, error) {
	ctx, err := decodeStep(payload)
	if err != nil {
		return registry.Result{}, err
	}
	ctx.PaymentID = "pay-" + commandID
	reply, err := replyFrom(ctx)
	if err != nil {
		return registry.Result{}, err
	}
	return registry.Result{
		Reply: reply,
		Events: []registry.Event{
			{Name: "PaymentCreated", Key: ctx.BusinessKey, Payload: reply},
		},
	}, nil
}
