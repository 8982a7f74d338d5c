package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/common/config"
	"github.com/devflow/devflow/internal/common/logger"
)

// Manager provisions working directories for leaf workflows. A working
// directory belongs exclusively to its workflow id; tree-level serialization
// guarantees no concurrent access.
type Manager struct {
	basePath      string
	defaultBranch string
	scm           SCM
	log           *logger.Logger
}

// NewManager creates a workspace manager rooted at the configured base path.
func NewManager(cfg config.WorkspaceConfig, scm SCM, log *logger.Logger) *Manager {
	return &Manager{
		basePath:      expandHome(cfg.BasePath),
		defaultBranch: cfg.DefaultBranch,
		scm:           scm,
		log:           log.WithFields(zap.String("component", "workspace")),
	}
}

// Path returns the working directory for a workflow without creating it.
func (m *Manager) Path(workflowID int64) string {
	return filepath.Join(m.basePath, fmt.Sprintf("workflow-%d", workflowID))
}

// Provision returns a working directory for the workflow, cloning repoURL on
// first use. A directory that already exists is reused, so a resumed
// workflow keeps its prior state.
func (m *Manager) Provision(ctx context.Context, workflowID int64, repoURL string) (string, error) {
	dir := m.Path(workflowID)

	if _, err := os.Stat(dir); err == nil {
		return dir, nil
	}

	if repoURL == "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create working directory: %w", err)
		}
		return dir, nil
	}

	if err := os.MkdirAll(m.basePath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace base: %w", err)
	}

	m.log.Info("cloning repository for workflow",
		zap.Int64("workflow_id", workflowID),
		zap.String("repo_url", repoURL))
	if err := m.scm.Clone(ctx, repoURL, dir, m.defaultBranch); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("failed to clone repository: %w", err)
	}
	return dir, nil
}

// Head returns the current commit of a workflow's working directory.
func (m *Manager) Head(ctx context.Context, workflowID int64) (string, error) {
	return m.scm.Head(ctx, m.Path(workflowID))
}

// ResetToCommit resets a workflow's working directory to a checkpoint
// commit. Called after a checkpoint rewind.
func (m *Manager) ResetToCommit(ctx context.Context, workflowID int64, commit string) error {
	return m.scm.ResetHard(ctx, m.Path(workflowID), commit)
}

// Cleanup removes a workflow's working directory.
func (m *Manager) Cleanup(workflowID int64) error {
	return os.RemoveAll(m.Path(workflowID))
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
