package inbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarkIfAbsentFirstDeliveryAdmitted(t *testing.T) {
	s := NewInMemoryStore()
	ok, err := s.MarkIfAbsent(context.Background(), nil, "msg-1", "core.executor")
	assert.NoError(t, err)
	assert.True(t, ok, "first observation must be admitted")
}

func TestMarkIfAbsentDuplicateRejected(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	ok, err := s.MarkIfAbsent(ctx, nil, "msg-1", "core.executor")
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MarkIfAbsent(ctx, nil, "msg-1", "core.executor")
	assert.NoError(t, err)
	assert.False(t, ok, "redelivery of the same (messageId, handler) must be refused")
}

func TestMarkIfAbsentIsKeyedByHandlerToo(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	ok, err := s.MarkIfAbsent(ctx, nil, "msg-1", "core.executor")
	assert.NoError(t, err)
	assert.True(t, ok)

	// A different handler observing the same message is a distinct key.
	ok, err = s.MarkIfAbsent(ctx, nil, "msg-1", "other.handler")
	assert.NoError(t, err)
	assert.True(t, ok)
}
