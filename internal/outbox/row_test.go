package outbox

import (
	"encoding/json"
	"testing"

	"github.com/linkmeAman/universal-middleware/internal/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandRequestedBuildsCommandRow(t *testing.T) {
	Configure(Naming{CommandPrefix: "cmd.", QueueSuffix: ".queue", ReplyQueue: "reply.default", EventPrefix: "events."})
	defer Configure(DefaultNaming)

	env := envelope.NewCommand("CreateUser", "cmd-1", "cmd-1", "biz-1", json.RawMessage(`{"username":"a"}`), nil)
	row, err := CommandRequested(env)
	require.NoError(t, err)

	assert.Equal(t, CategoryCommand, row.Category)
	assert.Equal(t, "cmd.CreateUser.queue", row.Topic)
	assert.Equal(t, StatusNew, row.Status)
	assert.Equal(t, "cmd-1", row.Headers[envelope.HeaderCommandID])
	assert.Equal(t, "CreateUser", row.Headers[envelope.HeaderCommandName])
	assert.Equal(t, "biz-1", row.Headers[envelope.HeaderBusinessKey])
	assert.Equal(t, "reply.default", row.Headers[envelope.HeaderReplyTo])
}

func TestCommandRequestedPreservesExplicitReplyTo(t *testing.T) {
	Configure(Naming{CommandPrefix: "cmd.", QueueSuffix: ".queue", ReplyQueue: "reply.default", EventPrefix: "events."})
	defer Configure(DefaultNaming)

	env := envelope.NewCommand("CreateUser", "cmd-1", "cmd-1", "biz-1", nil, map[string]string{envelope.HeaderReplyTo: "reply.custom"})
	row, err := CommandRequested(env)
	require.NoError(t, err)
	assert.Equal(t, "reply.custom", row.Headers[envelope.HeaderReplyTo])
}

func TestMqReplyUsesReplyToHeaderOrDefault(t *testing.T) {
	Configure(Naming{ReplyQueue: "reply.default"})
	defer Configure(DefaultNaming)

	withHeader := envelope.NewReply("CommandCompleted", "cmd-1", "corr-1", nil, map[string]string{envelope.HeaderReplyTo: "reply.custom"})
	row, err := MqReply(withHeader)
	require.NoError(t, err)
	assert.Equal(t, CategoryReply, row.Category)
	assert.Equal(t, "reply.custom", row.Topic)

	withoutHeader := envelope.NewReply("CommandCompleted", "cmd-1", "corr-1", nil, nil)
	row, err = MqReply(withoutHeader)
	require.NoError(t, err)
	assert.Equal(t, "reply.default", row.Topic)
}

func TestKafkaEventCategoryAndTopic(t *testing.T) {
	env := envelope.NewEvent("CommandCompleted", "cmd-1", "corr-1", "biz-1", nil, nil)
	row, err := KafkaEvent("events.CreateUser", env)
	require.NoError(t, err)
	assert.Equal(t, CategoryEvent, row.Category)
	assert.Equal(t, "events.CreateUser", row.Topic)
	assert.Equal(t, "biz-1", row.Key)
}

func TestEventTopicAndQueueNameForDeriveFromActiveNaming(t *testing.T) {
	Configure(Naming{CommandPrefix: "cmd.", QueueSuffix: ".queue", EventPrefix: "events."})
	defer Configure(DefaultNaming)

	assert.Equal(t, "events.CreateUser", EventTopic("CreateUser"))
	assert.Equal(t, "cmd.CreateUser.queue", QueueNameFor("CreateUser"))
}
