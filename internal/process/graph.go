package process

import "encoding/json"

// CommandFn derives the next command name and payload to emit from the
// process's accumulated context.
type CommandFn func(ctx json.RawMessage) (commandName string, payload json.RawMessage, err error)

// CondFn decides whether a conditional step should run, given the
// process's accumulated context.
type CondFn func(ctx json.RawMessage) bool

// Step is one node in a process graph.
type Step struct {
	Name         string
	Command      CommandFn
	Condition    CondFn
	Compensation CommandFn
	// MaxRetries is how many times a failed step is re-emitted in place
	// before the process falls back to reverse-traversal compensation
	// (retry-before-compensate note). Zero means compensate
	// immediately on the first failure.
	MaxRetries int
}

// Graph is an ordered, optionally-branching sequence of steps plus their
// compensations, built once at startup via the builder DSL below and
// shared read-only across all instances of ProcessType.
type Graph struct {
	ProcessType string
	steps       []*Step
}

func (g *Graph) First() *Step {
	if len(g.steps) == 0 {
		return nil
	}
	return g.steps[0]
}

// After returns the step following name, skipping any conditional step
// whose Condition rejects ctx.
func (g *Graph) After(name string, ctx json.RawMessage) *Step {
	for i, s := range g.steps {
		if s.Name != name {
			continue
		}
		for j := i + 1; j < len(g.steps); j++ {
			next := g.steps[j]
			if next.Condition != nil && !next.Condition(ctx) {
				continue
			}
			return next
		}
		return nil
	}
	return nil
}

// Before returns the step that actually ran immediately prior to name in
// this instance, for reverse-traversal compensation — skipping any
// conditional step whose Condition rejects ctx, since a step that never ran
// was never completed and has nothing to compensate.
func (g *Graph) Before(name string, ctx json.RawMessage) *Step {
	for i, s := range g.steps {
		if s.Name != name {
			continue
		}
		for j := i - 1; j >= 0; j-- {
			prev := g.steps[j]
			if prev.Condition != nil && !prev.Condition(ctx) {
				continue
			}
			return prev
		}
		return nil
	}
	return nil
}

func (g *Graph) ByName(name string) *Step {
	for _, s := range g.steps {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Builder is the fluent graph-construction DSL (spec's supplemented
// "graph builder DSL" requirement): startWith/then/thenIf().whenTrue()/
// withCompensation/end.
type Builder struct {
	graph *Graph
}

// StartWith begins a new graph definition with its first step.
func StartWith(processType, name string, cmd CommandFn) *Builder {
	b := &Builder{graph: &Graph{ProcessType: processType}}
	b.graph.steps = append(b.graph.steps, &Step{Name: name, Command: cmd})
	return b
}

// Then appends an unconditional next step.
func (b *Builder) Then(name string, cmd CommandFn) *Builder {
	b.graph.steps = append(b.graph.steps, &Step{Name: name, Command: cmd})
	return b
}

// ThenIf begins a conditional step; call WhenTrue on the returned
// ConditionalBuilder to supply its body.
func (b *Builder) ThenIf(cond CondFn) *ConditionalBuilder {
	return &ConditionalBuilder{builder: b, cond: cond}
}

// ConditionalBuilder completes a ThenIf chain.
type ConditionalBuilder struct {
	builder *Builder
	cond    CondFn
}

func (c *ConditionalBuilder) WhenTrue(name string, cmd CommandFn) *Builder {
	c.builder.graph.steps = append(c.builder.graph.steps, &Step{Name: name, Command: cmd, Condition: c.cond})
	return c.builder
}

// WithCompensation attaches a compensating command to the most recently
// added step, run during reverse-traversal compensation if a later step
// fails permanently.
func (b *Builder) WithCompensation(cmd CommandFn) *Builder {
	if len(b.graph.steps) > 0 {
		b.graph.steps[len(b.graph.steps)-1].Compensation = cmd
	}
	return b
}

// WithRetries caps the number of in-place retries the most recently added
// step gets before the process gives up and begins compensation.
func (b *Builder) WithRetries(max int) *Builder {
	if len(b.graph.steps) > 0 {
		b.graph.steps[len(b.graph.steps)-1].MaxRetries = max
	}
	return b
}

// End finalizes and returns the immutable Graph.
func (b *Builder) End() *Graph {
	return b.graph
}
