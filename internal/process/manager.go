package process

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/linkmeAman/universal-middleware/internal/command"
	"github.com/linkmeAman/universal-middleware/internal/database"
	"github.com/linkmeAman/universal-middleware/internal/envelope"
	"github.com/linkmeAman/universal-middleware/internal/outbox"
	"github.com/linkmeAman/universal-middleware/pkg/logger"
	"github.com/linkmeAman/universal-middleware/pkg/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// HeaderProcessID/HeaderProcessStep mark a command the Manager emitted as
// one step of a process instance, so the Executor can route the step's
// reply back into HandleStepReply without a second broker hop.
const (
	HeaderProcessID = "processId"
	HeaderProcessStep = "processStep"
)

// stepRole distinguishes a step's forward command from its compensation
// command when the two share a step name: continueCompensation emits the
// compensation command for the same step whose forward command emitStep
// already saved, so the role has to be part of what makes each command
// row unique.
const (
	roleForward = "forward"
	roleCompensate = "compensate"
)

// Manager drives process instances forward on reply ingestion and
// compensates them in reverse on permanent step failure.
type Manager struct {
	store Store
	outbox outbox.Store
	commands command.Store
	graphs map[string]*Graph
	log *logger.Logger
	metrics *metrics.Metrics
	tracer trace.Tracer
}

func NewManager(store Store, ob outbox.Store, commands command.Store, m *metrics.Metrics, log *logger.Logger) *Manager {
	return &Manager{
		store: store,
		outbox: ob,
		commands: commands,
		graphs: make(map[string]*Graph),
		log: log,
		metrics: m,
		tracer: otel.GetTracerProvider().Tracer("process-manager"),
	}
}

// Register binds a Graph to the process-initiation command name the
// registry routes to this manager (process-initiation tracking).
func (m *Manager) Register(g *Graph) {
	m.graphs[g.ProcessType] = g
}

// Start creates a new process instance, runs its first step, and returns
// the reply payload the initiating command's caller sees (the new
// processId). Called by the executor from within its own transaction.
// Start returns the reply payload, plus the ids of any outbox rows it
// inserted so the caller can fast-path-notify them once its enclosing
// transaction actually commits.
func (m *Manager) Start(ctx context.Context, tx database.Tx, processType, commandID string, payload json.RawMessage) (json.RawMessage, []int64, error) {
	graph, ok := m.graphs[processType]
	if !ok {
		return nil, nil, fmt.Errorf("no process graph registered for %q", processType)
	}
	first := graph.First()
	if first == nil {
		return nil, nil, fmt.Errorf("process graph %q has no steps", processType)
	}

	inst := &Instance{
		ID: uuid.NewString(),
		ProcessType: processType,
		BusinessKey: commandID,
		Status: StatusRunning,
		CurrentStep: first.Name,
		Context: payload,
	}
	if err := m.store.CreateInstance(ctx, tx, inst); err != nil {
		return nil, nil, fmt.Errorf("create process instance: %w", err)
	}
	if err := m.store.AppendLog(ctx, tx, &LogEntry{ProcessID: inst.ID, Kind: EventProcessStarted, Step: first.Name}); err != nil {
		return nil, nil, fmt.Errorf("append process log: %w", err)
	}
	var emitted []int64
	if err := m.emitStep(ctx, tx, inst, first, commandID, &emitted); err != nil {
		return nil, nil, err
	}

	m.metrics.ProcessInstancesByStatus.WithLabelValues(processType, string(StatusRunning)).Inc()
	reply, err := json.Marshal(map[string]string{"processId": inst.ID})
	return reply, emitted, err
}

// HandleStepReply advances, retries, or compensates a process in response
// to a step command's reply. Called by the Executor within the same
// transaction that resolved the step command, immediately after it
// determined the step succeeded or failed permanently — no second broker
// hop is needed because the step command carries the processId/processStep
// headers back on its reply envelope.
func (m *Manager) HandleStepReply(ctx context.Context, tx database.Tx, processID, stepName string, success bool, reply json.RawMessage) ([]int64, error) {
	inst, err := m.store.Find(ctx, processID)
	if err != nil {
		return nil, fmt.Errorf("find process instance: %w", err)
	}
	graph, ok := m.graphs[inst.ProcessType]
	if !ok {
		return nil, fmt.Errorf("no process graph registered for %q", inst.ProcessType)
	}

	inst.Context = mergeContext(inst.Context, reply)
	var emitted []int64

	if !success {
		if inst.Status == StatusCompensating {
			// The compensation command itself failed. Spec §4.7:
			// compensations are never retried; the process ends FAILED.
			return nil, m.failCompensation(ctx, tx, inst, stepName)
		}

		step := graph.ByName(stepName)
		if step != nil && inst.Retries < step.MaxRetries {
			err := m.retryStep(ctx, tx, inst, step, stepName, &emitted)
			return emitted, err
		}
		err := m.beginCompensation(ctx, tx, inst, graph, stepName, &emitted)
		return emitted, err
	}

	if inst.Status == StatusCompensating {
		// stepName here names the step whose compensation command just
		// replied successfully (emitCommand stamped the originating step's
		// name as HeaderProcessStep), so this reply always closes out one
		// CompensationScheduled entry before continueCompensation decides
		// whether another one is needed.
		if err := m.store.AppendLog(ctx, tx, &LogEntry{ProcessID: inst.ID, Kind: EventCompensationCompleted, Step: stepName}); err != nil {
			return nil, err
		}
		err := m.continueCompensation(ctx, tx, inst, graph, stepName, &emitted)
		return emitted, err
	}

	inst.Retries = 0
	if err := m.store.AppendLog(ctx, tx, &LogEntry{ProcessID: inst.ID, Kind: EventStepCompleted, Step: stepName}); err != nil {
		return nil, err
	}

	next := graph.After(stepName, inst.Context)
	if next == nil {
		inst.Status = StatusSucceeded
		inst.CurrentStep = stepName
		if err := m.store.UpdateInstance(ctx, tx, inst); err != nil {
			return nil, err
		}
		m.metrics.ProcessInstancesByStatus.WithLabelValues(inst.ProcessType, string(StatusSucceeded)).Inc()
		return nil, m.appendProcessEnded(ctx, tx, inst, stepName)
	}

	inst.CurrentStep = next.Name
	if err := m.store.UpdateInstance(ctx, tx, inst); err != nil {
		return nil, err
	}
	err = m.emitStep(ctx, tx, inst, next, inst.BusinessKey, &emitted)
	return emitted, err
}

// retryStep re-emits the same step's command in place, bumping the
// instance's retry counter, instead of starting compensation.
func (m *Manager) retryStep(ctx context.Context, tx database.Tx, inst *Instance, step *Step, failedStep string, emitted *[]int64) error {
	inst.Retries++
	if err := m.store.UpdateInstance(ctx, tx, inst); err != nil {
		return err
	}
	if err := m.store.AppendLog(ctx, tx, &LogEntry{ProcessID: inst.ID, Kind: EventStepFailed, Step: failedStep}); err != nil {
		return err
	}
	return m.emitStep(ctx, tx, inst, step, inst.BusinessKey, emitted)
}

func (m *Manager) beginCompensation(ctx context.Context, tx database.Tx, inst *Instance, graph *Graph, failedStep string, emitted *[]int64) error {
	inst.Status = StatusCompensating
	if err := m.store.UpdateInstance(ctx, tx, inst); err != nil {
		return err
	}
	if err := m.store.AppendLog(ctx, tx, &LogEntry{ProcessID: inst.ID, Kind: EventStepFailed, Step: failedStep}); err != nil {
		return err
	}
	m.metrics.ProcessInstancesByStatus.WithLabelValues(inst.ProcessType, string(StatusCompensating)).Inc()
	return m.continueCompensation(ctx, tx, inst, graph, failedStep, emitted)
}

// failCompensation transitions a process whose compensation command itself
// failed to the terminal FAILED state (compensations are never
// retried).
func (m *Manager) failCompensation(ctx context.Context, tx database.Tx, inst *Instance, failedStep string) error {
	inst.Status = StatusFailed
	inst.CurrentStep = failedStep
	if err := m.store.UpdateInstance(ctx, tx, inst); err != nil {
		return err
	}
	m.metrics.ProcessInstancesByStatus.WithLabelValues(inst.ProcessType, string(StatusFailed)).Inc()
	if err := m.store.AppendLog(ctx, tx, &LogEntry{ProcessID: inst.ID, Kind: EventStepFailed, Step: failedStep}); err != nil {
		return err
	}
	return m.appendProcessEnded(ctx, tx, inst, failedStep)
}

// continueCompensation walks backward from stepName, emitting the
// compensation command for the previous step that actually ran, per spec
// §4.7's reverse-traversal compensation.
func (m *Manager) continueCompensation(ctx context.Context, tx database.Tx, inst *Instance, graph *Graph, stepName string, emitted *[]int64) error {
	prev := graph.Before(stepName, inst.Context)
	if prev == nil || prev.Compensation == nil {
		// Every completed compensation already logged its own
		// CompensationCompleted entry in HandleStepReply before reaching
		// here; nothing further ran for this final step, so there is
		// nothing new to record beyond the terminal state transition.
		inst.Status = StatusCompensated
		inst.CurrentStep = stepName
		if err := m.store.UpdateInstance(ctx, tx, inst); err != nil {
			return err
		}
		m.metrics.ProcessInstancesByStatus.WithLabelValues(inst.ProcessType, string(StatusCompensated)).Inc()
		return m.appendProcessEnded(ctx, tx, inst, stepName)
	}

	inst.CurrentStep = prev.Name
	if err := m.store.UpdateInstance(ctx, tx, inst); err != nil {
		return err
	}
	name, payload, err := prev.Compensation(inst.Context)
	if err != nil {
		return fmt.Errorf("build compensation command for %q: %w", prev.Name, err)
	}
	if err := m.emitCommand(ctx, tx, inst, prev.Name, roleCompensate, name, payload, inst.BusinessKey, emitted); err != nil {
		return err
	}
	m.metrics.ProcessStepsEmitted.WithLabelValues(inst.ProcessType, prev.Name+".compensate").Inc()
	return m.store.AppendLog(ctx, tx, &LogEntry{ProcessID: inst.ID, Kind: EventCompensationScheduled, Step: prev.Name})
}

func (m *Manager) emitStep(ctx context.Context, tx database.Tx, inst *Instance, step *Step, parentCommandID string, emitted *[]int64) error {
	name, payload, err := step.Command(inst.Context)
	if err != nil {
		return fmt.Errorf("build command for step %q: %w", step.Name, err)
	}
	m.metrics.ProcessStepsEmitted.WithLabelValues(inst.ProcessType, step.Name).Inc()
	if err := m.emitCommand(ctx, tx, inst, step.Name, roleForward, name, payload, parentCommandID, emitted); err != nil {
		return err
	}
	return m.store.AppendLog(ctx, tx, &LogEntry{ProcessID: inst.ID, Kind: EventStepScheduled, Step: step.Name})
}

// emitCommand reuses the command bus so a process step flows through the
// normal exactly-once path: a fresh command row is saved pending (spec
// §4.7's "causationId = parent commandId"), and only then is the matching
// outbox row inserted in the same transaction.
//
// role distinguishes this step's forward command from its own
// compensation command (continueCompensation re-uses the same stepName
// emitStep already used), and inst.Retries distinguishes one retry attempt
// of the same role from the next (retryStep re-emits the same step). Both
// the idempotency key and the command's own business_key fold in role and
// attempt: the command table enforces UNIQUE(idempotency_key) *and*
// UNIQUE(name, business_key), and a bare stepName/attempt key collides on
// the first across forward vs. compensate, and on the second across
// retries of the same step.
func (m *Manager) emitCommand(ctx context.Context, tx database.Tx, inst *Instance, stepName, role, commandName string, payload json.RawMessage, parentCommandID string, emitted *[]int64) error {
	idempotencyKey := fmt.Sprintf("%s:%s:%s:%d", inst.ID, stepName, role, inst.Retries)
	stepBusinessKey := fmt.Sprintf("%s:%s:%s:%d", inst.BusinessKey, stepName, role, inst.Retries)
	cmd := command.New(commandName, idempotencyKey, stepBusinessKey, payload)
	if err := m.commands.SavePending(ctx, tx, cmd); err != nil {
		return fmt.Errorf("save process step command: %w", err)
	}

	headers := map[string]string{
		HeaderProcessID: inst.ID,
		HeaderProcessStep: stepName,
		envelope.HeaderCausation: parentCommandID,
	}
	env := envelope.NewCommand(commandName, cmd.ID, inst.ID, inst.BusinessKey, payload, headers)
	env.CausationID = parentCommandID

	row, err := outbox.CommandRequested(env)
	if err != nil {
		return fmt.Errorf("build process step row: %w", err)
	}
	if err := m.outbox.Insert(ctx, tx, row); err != nil {
		return fmt.Errorf("insert process step row: %w", err)
	}
	*emitted = append(*emitted, row.ID)
	m.log.Debug("process step emitted",
		zap.String("process_id", inst.ID), zap.String("step", stepName), zap.String("command", commandName))
	return nil
}

// appendProcessEnded records the terminal ProcessEnded fact with the
// instance's final status in its detail, so a reader of the log (spec
// scenario 6: "ProcessEnded(COMPENSATED)") doesn't need to cross-reference
// the mutable instance row to know how a process ended.
func (m *Manager) appendProcessEnded(ctx context.Context, tx database.Tx, inst *Instance, step string) error {
	detail, err := json.Marshal(map[string]string{"status": string(inst.Status)})
	if err != nil {
		return err
	}
	return m.store.AppendLog(ctx, tx, &LogEntry{ProcessID: inst.ID, Kind: EventProcessEnded, Step: step, Detail: detail})
}

// mergeContext folds a reply payload into the process's accumulated
// context, a shallow JSON object merge sufficient for the sample sagas
// shipped with this package.
func mergeContext(ctxPayload, reply json.RawMessage) json.RawMessage {
	if len(reply) == 0 {
		return ctxPayload
	}
	var base map[string]json.RawMessage
	if len(ctxPayload) > 0 {
		_ = json.Unmarshal(ctxPayload, &base)
	}
	if base == nil {
		base = map[string]json.RawMessage{}
	}
	var patch map[string]json.RawMessage
	if err := json.Unmarshal(reply, &patch); err == nil {
		for k, v := range patch {
			base[k] = v
		}
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return ctxPayload
	}
	return merged
}
