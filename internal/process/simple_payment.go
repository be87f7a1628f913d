package process

import "encoding/json"

// requiresFx reports whether the process context's boolean requiresFx field
// is true, the signal a cross-currency payment needs an FX booking step. The
// currency fields are not compared; a context that does not parse counts as
// false.
func requiresFx(ctx json.RawMessage) bool {
	var fields struct {
		RequiresFx bool `json:"requiresFx"`
	}
	if err := json.Unmarshal(ctx, &fields); err != nil {
		return false
	}
	return fields.RequiresFx
}

// SimplePaymentGraph is the sample saga mirroring the spec's worked
// "simple payment" scenario: book limits, optionally book FX for a
// cross-currency transfer, create the ledger transaction, then create the
// payment. Compensations unwind in reverse: ReverseTransaction, UnwindFx,
// ReverseLimits.
func SimplePaymentGraph() *Graph {
	return StartWith("SimplePayment", "BookLimits", func(ctx json.RawMessage) (string, json.RawMessage, error) {
		return "limits.book", ctx, nil
	}).
		WithCompensation(func(ctx json.RawMessage) (string, json.RawMessage, error) {
			return "limits.reverse", ctx, nil
		}).
		ThenIf(requiresFx).WhenTrue("BookFx", func(ctx json.RawMessage) (string, json.RawMessage, error) {
		return "fx.book", ctx, nil
	}).
		WithCompensation(func(ctx json.RawMessage) (string, json.RawMessage, error) {
			return "fx.unwind", ctx, nil
		}).
		Then("CreateTransaction", func(ctx json.RawMessage) (string, json.RawMessage, error) {
			return "ledger.createTransaction", ctx, nil
		}).
		WithCompensation(func(ctx json.RawMessage) (string, json.RawMessage, error) {
			return "ledger.reverseTransaction", ctx, nil
		}).
		Then("CreatePayment", func(ctx json.RawMessage) (string, json.RawMessage, error) {
			return "payments.create", ctx, nil
		}).
		End()
}
