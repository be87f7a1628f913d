package main

import (
	"context"

	"github.com/linkmeAman/universal-middleware/internal/envelope"
	"github.com/linkmeAman/universal-middleware/internal/executor"
)

// commandHandler adapts one mq.Consumer's deliveries into Executor.Process
// calls. Each queue carries exactly one command name (outbox.QueueNameFor's
// naming convention is one queue per name), so the adapter is told its name
// once at construction rather than deriving it from the delivery.
type commandHandler struct {
	name string
	exec *executor.Executor
}

func (h *commandHandler) Handle(ctx context.Context, queue string, key, value []byte, headers map[string]string) error {
	env := envelope.FromHeaders(h.name, value, headers)
	return h.exec.Process(ctx, env)
}
