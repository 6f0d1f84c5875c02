package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Versioned workflow definitions. A (id, version) pair is
			-- immutable once published.
			CREATE TABLE workflow_definitions (
				id VARCHAR(255) NOT NULL,
				version INTEGER NOT NULL,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				trigger_topic VARCHAR(255) NOT NULL DEFAULT '',
				nodes JSONB NOT NULL,
				edges JSONB,
				published BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				published_at TIMESTAMP WITH TIME ZONE,
				PRIMARY KEY (id, version)
			);

			CREATE INDEX idx_workflow_definitions_trigger_topic ON workflow_definitions(trigger_topic);
			CREATE INDEX idx_workflow_definitions_published ON workflow_definitions(published);

			-- One row per workflow run, updated after every transition.
			CREATE TABLE workflow_instances (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL,
				version INTEGER NOT NULL,
				state VARCHAR(50) NOT NULL,
				current_node VARCHAR(255) NOT NULL DEFAULT '',
				waiting_for JSONB,
				cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
				failure_reason TEXT NOT NULL DEFAULT '',
				joins JSONB,
				start_time TIMESTAMP WITH TIME ZONE NOT NULL,
				end_time TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_workflow_instances_workflow_id ON workflow_instances(workflow_id);
			CREATE INDEX idx_workflow_instances_state ON workflow_instances(state);
			CREATE INDEX idx_workflow_instances_correlation ON workflow_instances((waiting_for->>'correlation_id'));

			-- Append-only versioned process variables.
			CREATE TABLE process_variables (
				instance_id VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL,
				version INTEGER NOT NULL,
				value JSONB,
				created_by VARCHAR(255) NOT NULL DEFAULT '',
				updated_by VARCHAR(255) NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (instance_id, name, version)
			);

			-- Append-only task attempt log; retries insert new rows.
			CREATE TABLE task_executions (
				id VARCHAR(255) PRIMARY KEY,
				instance_id VARCHAR(255) NOT NULL,
				node_id VARCHAR(255) NOT NULL,
				node_type VARCHAR(50) NOT NULL,
				state VARCHAR(50) NOT NULL,
				input JSONB,
				output JSONB,
				error_message TEXT NOT NULL DEFAULT '',
				retry_count INTEGER NOT NULL DEFAULT 0,
				branch_id VARCHAR(255) NOT NULL DEFAULT '',
				compensation JSONB,
				start_time TIMESTAMP WITH TIME ZONE NOT NULL,
				end_time TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_task_executions_instance_id ON task_executions(instance_id);
			CREATE INDEX idx_task_executions_state ON task_executions(state);

			CREATE TABLE human_tasks (
				id VARCHAR(255) PRIMARY KEY,
				instance_id VARCHAR(255) NOT NULL,
				node_id VARCHAR(255) NOT NULL,
				external_ref VARCHAR(255) NOT NULL DEFAULT '',
				assignee VARCHAR(255) NOT NULL DEFAULT '',
				sla_deadline TIMESTAMP WITH TIME ZONE NOT NULL,
				state VARCHAR(50) NOT NULL,
				decision JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				resolved_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_human_tasks_instance_id ON human_tasks(instance_id);
			CREATE INDEX idx_human_tasks_state ON human_tasks(state);

			CREATE TABLE timers (
				id VARCHAR(255) PRIMARY KEY,
				kind VARCHAR(50) NOT NULL,
				purpose VARCHAR(50) NOT NULL,
				instance_id VARCHAR(255) NOT NULL DEFAULT '',
				definition_id VARCHAR(255) NOT NULL DEFAULT '',
				version INTEGER NOT NULL DEFAULT 0,
				node_id VARCHAR(255) NOT NULL DEFAULT '',
				human_task_id VARCHAR(255) NOT NULL DEFAULT '',
				fire_at TIMESTAMP WITH TIME ZONE NOT NULL,
				cron_expression VARCHAR(255) NOT NULL DEFAULT '',
				state VARCHAR(50) NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				fired_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_timers_state_fire_at ON timers(state, fire_at);
			CREATE INDEX idx_timers_instance_id ON timers(instance_id);
		`,
		2: `
			-- Idempotency key of the triggering message, so a redelivered
			-- trigger never starts a second instance of the same workflow.
			ALTER TABLE workflow_instances ADD COLUMN trigger_key VARCHAR(255) NOT NULL DEFAULT '';

			CREATE UNIQUE INDEX idx_workflow_instances_trigger_key
				ON workflow_instances(workflow_id, trigger_key)
				WHERE trigger_key <> '';
		`,
	}
}
