package store

import (
	"fmt"

	"github.com/devflow/devflow/internal/db/dialect"
)

// schemaStatements returns the DDL for the workflow schema. Statements are
// idempotent so initSchema can run on every startup.
func schemaStatements(driver string) []string {
	pk := dialect.AutoIncrementPK(driver)

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS workflows (
			id %s,
			type TEXT NOT NULL,
			target_module TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			payload TEXT,
			plan_json TEXT,
			branch_name TEXT,
			parent_workflow_id BIGINT REFERENCES workflows(id),
			workflow_depth INTEGER NOT NULL DEFAULT 0,
			execution_order INTEGER NOT NULL DEFAULT 0,
			auto_execute_children BOOLEAN NOT NULL DEFAULT TRUE,
			is_paused BOOLEAN NOT NULL DEFAULT FALSE,
			pause_reason TEXT,
			checkpoint_commit TEXT,
			checkpoint_created_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP
		)`, pk),
		`CREATE INDEX IF NOT EXISTS idx_workflows_parent ON workflows(parent_workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS workflow_queue (
			id %s,
			parent_workflow_id BIGINT NOT NULL REFERENCES workflows(id),
			child_workflow_id BIGINT NOT NULL UNIQUE REFERENCES workflows(id),
			execution_order INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			depends_on TEXT NOT NULL DEFAULT '[]',
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			error_message TEXT,
			UNIQUE(parent_workflow_id, execution_order)
		)`, pk),
		`CREATE INDEX IF NOT EXISTS idx_queue_parent ON workflow_queue(parent_workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_status ON workflow_queue(status)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS agent_executions (
			id %s,
			workflow_id BIGINT NOT NULL REFERENCES workflows(id),
			agent_type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			input TEXT,
			output TEXT,
			error_message TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMP,
			completed_at TIMESTAMP
		)`, pk),
		`CREATE INDEX IF NOT EXISTS idx_executions_workflow ON agent_executions(workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON agent_executions(status)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS artifacts (
			id %s,
			workflow_id BIGINT NOT NULL REFERENCES workflows(id),
			agent_execution_id BIGINT NOT NULL REFERENCES agent_executions(id),
			type TEXT NOT NULL,
			file_path TEXT,
			content TEXT NOT NULL DEFAULT '',
			metadata TEXT,
			created_at TIMESTAMP NOT NULL
		)`, pk),
		`CREATE INDEX IF NOT EXISTS idx_artifacts_workflow ON artifacts(workflow_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS workflow_messages (
			id %s,
			workflow_id BIGINT NOT NULL REFERENCES workflows(id),
			agent_execution_id BIGINT,
			message_type TEXT NOT NULL,
			agent_type TEXT,
			content TEXT NOT NULL,
			metadata TEXT,
			action_type TEXT NOT NULL DEFAULT 'comment',
			action_status TEXT NOT NULL DEFAULT 'processed',
			created_at TIMESTAMP NOT NULL
		)`, pk),
		`CREATE INDEX IF NOT EXISTS idx_messages_workflow ON workflow_messages(workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_action ON workflow_messages(action_type, action_status)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS execution_logs (
			id %s,
			workflow_id BIGINT NOT NULL REFERENCES workflows(id),
			agent_execution_id BIGINT,
			log_level TEXT NOT NULL DEFAULT 'info',
			message TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			metadata TEXT
		)`, pk),
		`CREATE INDEX IF NOT EXISTS idx_logs_workflow ON execution_logs(workflow_id)`,
	}
}
