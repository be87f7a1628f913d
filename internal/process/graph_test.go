package process

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoCommand(name string) CommandFn {
	return func(ctx json.RawMessage) (string, json.RawMessage, error) {
		return name, ctx, nil
	}
}

func TestBuilderLinearChain(t *testing.T) {
	g := StartWith("Test", "A", echoCommand("a.cmd")).
		Then("B", echoCommand("b.cmd")).
		Then("C", echoCommand("c.cmd")).
		End()

	require.NotNil(t, g.First())
	assert.Equal(t, "A", g.First().Name)
	assert.Equal(t, "B", g.After("A", nil).Name)
	assert.Equal(t, "C", g.After("B", nil).Name)
	assert.Nil(t, g.After("C", nil))
}

func TestBuilderConditionalStepSkippedWhenPredicateFalse(t *testing.T) {
	cond := func(ctx json.RawMessage) bool {
		var v struct{ Flag bool }
		_ = json.Unmarshal(ctx, &v)
		return v.Flag
	}
	g := StartWith("Test", "A", echoCommand("a.cmd")).
		ThenIf(cond).WhenTrue("B", echoCommand("b.cmd")).
		Then("C", echoCommand("c.cmd")).
		End()

	assert.Equal(t, "C", g.After("A", json.RawMessage(`{"flag":false}`)).Name, "conditional step must be skipped when predicate is false")
	assert.Equal(t, "B", g.After("A", json.RawMessage(`{"flag":true}`)).Name, "conditional step must run when predicate is true")
}

func TestBuilderWithCompensationAttachesToLastStep(t *testing.T) {
	g := StartWith("Test", "A", echoCommand("a.cmd")).
		WithCompensation(echoCommand("a.undo")).
		Then("B", echoCommand("b.cmd")).
		End()

	a := g.ByName("A")
	require.NotNil(t, a)
	require.NotNil(t, a.Compensation)
	name, _, err := a.Compensation(nil)
	require.NoError(t, err)
	assert.Equal(t, "a.undo", name)

	b := g.ByName("B")
	require.NotNil(t, b)
	assert.Nil(t, b.Compensation)
}

func TestBuilderWithRetriesAttachesToLastStep(t *testing.T) {
	g := StartWith("Test", "A", echoCommand("a.cmd")).WithRetries(3).End()
	assert.Equal(t, 3, g.ByName("A").MaxRetries)
}

func TestGraphBeforeWalksBackward(t *testing.T) {
	g := StartWith("Test", "A", echoCommand("a.cmd")).
		Then("B", echoCommand("b.cmd")).
		Then("C", echoCommand("c.cmd")).
		End()

	assert.Nil(t, g.Before("A", nil))
	assert.Equal(t, "A", g.Before("B", nil).Name)
	assert.Equal(t, "B", g.Before("C", nil).Name)
}

func TestGraphBeforeSkipsStepsThatNeverRan(t *testing.T) {
	cond := func(ctx json.RawMessage) bool {
		var v struct{ Flag bool }
		_ = json.Unmarshal(ctx, &v)
		return v.Flag
	}
	g := StartWith("Test", "A", echoCommand("a.cmd")).
		ThenIf(cond).WhenTrue("B", echoCommand("b.cmd")).
		Then("C", echoCommand("c.cmd")).
		End()

	assert.Equal(t, "A", g.Before("C", json.RawMessage(`{"flag":false}`)).Name, "B never ran, so the real predecessor of C is A")
	assert.Equal(t, "B", g.Before("C", json.RawMessage(`{"flag":true}`)).Name)
}

func TestGraphByNameUnknownStep(t *testing.T) {
	g := StartWith("Test", "A", echoCommand("a.cmd")).End()
	assert.Nil(t, g.ByName("NoSuchStep"))
}
