// Package agent defines the interface the orchestrator uses to invoke
// agents, and the registry mapping agent types to implementations.
package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/devflow/devflow/internal/workflow/models"
)

// Input is the record handed to an agent for one execution step.
type Input struct {
	WorkflowID      int64                `json:"workflow_id"`
	AgentType       models.AgentType     `json:"agent_type"`
	WorkingDir      string               `json:"working_dir"`
	TargetModule    string               `json:"target_module"`
	TaskDescription string               `json:"task_description"`
	PriorArtifacts  []*models.Artifact   `json:"prior_artifacts,omitempty"`
	Instructions    []string             `json:"instructions,omitempty"`
	Payload         models.JSONMap       `json:"payload,omitempty"`
}

// ArtifactSpec is one artifact returned by an agent, persisted by the
// runner.
type ArtifactSpec struct {
	Type     models.ArtifactType `json:"type"`
	FilePath string              `json:"file_path,omitempty"`
	Content  string              `json:"content"`
	Metadata models.JSONMap      `json:"metadata,omitempty"`
}

// Output is what an agent reports back.
type Output struct {
	Success   bool           `json:"success"`
	Summary   string         `json:"summary"`
	Artifacts []ArtifactSpec `json:"artifacts,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Agent is an opaque callable executing one step of a workflow. The runner
// bounds its runtime via the context deadline.
type Agent interface {
	Execute(ctx context.Context, in *Input) (*Output, error)
}

// Registry maps agent types to implementations. Populated once at process
// start from configuration.
type Registry struct {
	mu     sync.RWMutex
	agents map[models.AgentType]Agent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[models.AgentType]Agent)}
}

// Register binds an implementation to an agent type, replacing any previous
// binding.
func (r *Registry) Register(t models.AgentType, a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[t] = a
}

// Get returns the implementation for an agent type.
func (r *Registry) Get(t models.AgentType) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[t]
	if !ok {
		return nil, fmt.Errorf("no agent registered for type %q", t)
	}
	return a, nil
}

// Types lists the registered agent types in stable order.
func (r *Registry) Types() []models.AgentType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.AgentType, 0, len(r.agents))
	for t := range r.agents {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
