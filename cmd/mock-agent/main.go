// Package main implements a mock agent binary speaking the Devflow agent
// protocol: one agent.Input record as JSON on stdin, one agent.Output record
// as JSON on stdout. It generates simulated results for development and
// end-to-end testing without any real agent installed.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/devflow/devflow/internal/orchestrator/agent"
	"github.com/devflow/devflow/internal/workflow/models"
)

func main() {
	var in agent.Input
	if err := json.NewDecoder(os.Stdin).Decode(&in); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: failed to decode input: %v\n", err)
		os.Exit(1)
	}

	if delay := os.Getenv("DEVFLOW_MOCK_DELAY"); delay != "" {
		if d, err := time.ParseDuration(delay); err == nil {
			time.Sleep(d)
		}
	}

	out := respond(&in)

	if err := json.NewEncoder(os.Stdout).Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: failed to encode output: %v\n", err)
		os.Exit(1)
	}
}

// respond builds a simulated result for the requested step.
// DEVFLOW_MOCK_FAIL lists agent types that should report failure, e.g.
// DEVFLOW_MOCK_FAIL=code,review.
func respond(in *agent.Input) *agent.Output {
	if shouldFail(in.AgentType) {
		return &agent.Output{
			Success: false,
			Summary: fmt.Sprintf("simulated %s failure for %s", in.AgentType, in.TargetModule),
			Error:   "simulated failure requested via DEVFLOW_MOCK_FAIL",
		}
	}

	out := &agent.Output{
		Success: true,
		Summary: fmt.Sprintf("simulated %s step for %s", in.AgentType, in.TargetModule),
	}

	switch in.AgentType {
	case models.AgentPlan:
		out.Artifacts = []agent.ArtifactSpec{{
			Type:    models.ArtifactPlan,
			Content: planFor(in),
		}}
	case models.AgentCode, models.AgentScaffold, models.AgentModuleImport:
		out.Artifacts = []agent.ArtifactSpec{{
			Type:     models.ArtifactCode,
			FilePath: fmt.Sprintf("%s/generated.go", in.TargetModule),
			Content:  fmt.Sprintf("// generated for workflow %d\n", in.WorkflowID),
		}}
	case models.AgentTest:
		out.Artifacts = []agent.ArtifactSpec{{
			Type:     models.ArtifactTest,
			FilePath: fmt.Sprintf("%s/generated_test.go", in.TargetModule),
			Content:  "// all simulated tests passed\n",
		}}
	case models.AgentReview, models.AgentSecurityLint:
		out.Artifacts = []agent.ArtifactSpec{{
			Type:    models.ArtifactReview,
			Content: "no findings",
		}}
	case models.AgentDocument:
		out.Artifacts = []agent.ArtifactSpec{{
			Type:     models.ArtifactDoc,
			FilePath: fmt.Sprintf("%s/README.md", in.TargetModule),
			Content:  fmt.Sprintf("# %s\n\n%s\n", in.TargetModule, in.TaskDescription),
		}}
	}

	return out
}

func planFor(in *agent.Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan for %s:\n", in.TargetModule)
	fmt.Fprintf(&b, "1. %s\n", in.TaskDescription)
	for i, instr := range in.Instructions {
		fmt.Fprintf(&b, "%d. operator instruction: %s\n", i+2, instr)
	}
	return b.String()
}

func shouldFail(t models.AgentType) bool {
	raw := os.Getenv("DEVFLOW_MOCK_FAIL")
	if raw == "" {
		return false
	}
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) == string(t) {
			return true
		}
	}
	return false
}
