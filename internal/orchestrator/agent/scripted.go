package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/devflow/devflow/internal/workflow/models"
)

// ScriptedAgent is an in-process agent with canned behavior, used in tests
// and development. Each call records the input it received.
type ScriptedAgent struct {
	mu      sync.Mutex
	outputs []*Output
	next    int
	calls   []*Input

	// Fn, when set, overrides the canned outputs entirely.
	Fn func(ctx context.Context, in *Input) (*Output, error)
}

// NewScriptedAgent creates an agent returning the given outputs in order.
// After the script is exhausted the last output repeats. With no outputs it
// reports generic success.
func NewScriptedAgent(outputs ...*Output) *ScriptedAgent {
	return &ScriptedAgent{outputs: outputs}
}

// SucceedingAgent returns an agent that always succeeds with one artifact of
// the given type.
func SucceedingAgent(artifactType models.ArtifactType) *ScriptedAgent {
	return NewScriptedAgent(&Output{
		Success: true,
		Summary: "step completed",
		Artifacts: []ArtifactSpec{
			{Type: artifactType, Content: "generated content"},
		},
	})
}

// FailingAgent returns an agent that always fails with the given message.
func FailingAgent(message string) *ScriptedAgent {
	return NewScriptedAgent(&Output{Success: false, Error: message})
}

// Execute returns the next scripted output.
func (a *ScriptedAgent) Execute(ctx context.Context, in *Input) (*Output, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.calls = append(a.calls, in)

	if a.Fn != nil {
		return a.Fn(ctx, in)
	}
	if len(a.outputs) == 0 {
		return &Output{Success: true, Summary: fmt.Sprintf("%s done", in.AgentType)}, nil
	}

	out := a.outputs[a.next]
	if a.next < len(a.outputs)-1 {
		a.next++
	}
	return out, nil
}

// Calls returns the inputs received so far.
func (a *ScriptedAgent) Calls() []*Input {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*Input, len(a.calls))
	copy(out, a.calls)
	return out
}
