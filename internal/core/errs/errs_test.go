package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassOfReturnsWrappedClass(t *testing.T) {
	assert.Equal(t, Permanent, ClassOf(WrapPermanent(errors.New("boom"))))
	assert.Equal(t, RetryableBusiness, ClassOf(WrapRetryableBusiness(errors.New("boom"))))
	assert.Equal(t, Transient, ClassOf(WrapTransient(errors.New("boom"))))
}

func TestClassOfDefaultsUnclassifiedErrorsToTransient(t *testing.T) {
	assert.Equal(t, Transient, ClassOf(errors.New("plain error")))
	assert.Equal(t, Transient, ClassOf(ErrCommandNotFound))
}

func TestClassOfSeesThroughWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("handler failed: %w", WrapPermanent(errors.New("card declined")))
	assert.Equal(t, Permanent, ClassOf(wrapped))
}

func TestErrorMessageIncludesClassAndCause(t *testing.T) {
	err := WrapRetryableBusiness(errors.New("ledger locked"))
	assert.Equal(t, "RetryableBusiness: ledger locked", err.Error())
}

func TestErrorUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("root cause")
	err := WrapTransient(cause)
	assert.ErrorIs(t, err, cause)
}
