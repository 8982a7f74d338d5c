package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/common/logger"
)

// ExecAgent invokes an external executable as an agent. The input record is
// written to stdin as JSON and the output is read from stdout as JSON. The
// context deadline bounds the process lifetime.
type ExecAgent struct {
	command string
	args    []string
	log     *logger.Logger
}

// NewExecAgent creates an agent backed by the given executable.
func NewExecAgent(command string, args []string, log *logger.Logger) *ExecAgent {
	return &ExecAgent{
		command: command,
		args:    args,
		log:     log.WithFields(zap.String("component", "exec-agent"), zap.String("command", command)),
	}
}

// Execute runs the executable once.
func (a *ExecAgent) Execute(ctx context.Context, in *Input) (*Output, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode agent input: %w", err)
	}

	cmd := exec.CommandContext(ctx, a.command, a.args...)
	cmd.Dir = in.WorkingDir
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	a.log.Debug("invoking agent process",
		zap.Int64("workflow_id", in.WorkflowID),
		zap.String("agent_type", string(in.AgentType)))

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("agent process timed out: %w", ctx.Err())
		}
		return nil, fmt.Errorf("agent process failed: %w (stderr: %s)", err, stderr.String())
	}

	var out Output
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("failed to decode agent output: %w", err)
	}
	return &out, nil
}
