package command

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewCommandIsPendingWithFreshID(t *testing.T) {
	payload := json.RawMessage(`{"username":"a"}`)
	c := New("CreateUser", "idem-1", "biz-1", payload)

	assert.NotEmpty(t, c.ID)
	assert.Equal(t, StatusPending, c.Status)
	assert.Equal(t, "CreateUser", c.Name)
	assert.Equal(t, "idem-1", c.IdempotencyKey)
	assert.Equal(t, "biz-1", c.BusinessKey)
	assert.JSONEq(t, string(payload), string(c.Payload))
	assert.Zero(t, c.Retries)
}

func TestNewCommandsGetDistinctIDs(t *testing.T) {
	a := New("CreateUser", "idem-1", "biz-1", nil)
	b := New("CreateUser", "idem-2", "biz-1", nil)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestIsRetryableOnlyWhenFailed(t *testing.T) {
	c := New("CreateUser", "idem-1", "biz-1", nil)
	assert.False(t, c.IsRetryable())

	c.Status = StatusFailed
	assert.True(t, c.IsRetryable())

	c.Status = StatusSucceeded
	assert.False(t, c.IsRetryable())
}
