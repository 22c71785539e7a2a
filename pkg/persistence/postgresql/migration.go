package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE workflows (
				id VARCHAR(255) PRIMARY KEY,
				active BOOLEAN NOT NULL DEFAULT TRUE,
				latest_version INTEGER NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE workflow_versions (
				workflow_id VARCHAR(255) NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
				version INTEGER NOT NULL,
				name VARCHAR(255) NOT NULL,
				definition JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				PRIMARY KEY (workflow_id, version)
			);

			CREATE TABLE workflow_executions (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL,
				workflow_version INTEGER NOT NULL,
				trigger_id VARCHAR(255) NOT NULL,
				event_id VARCHAR(255) NOT NULL DEFAULT '',
				parent_execution_id VARCHAR(255) NOT NULL DEFAULT '',
				depth INTEGER NOT NULL DEFAULT 0,
				status VARCHAR(32) NOT NULL CHECK (status IN ('pending', 'running', 'succeeded', 'failed', 'cancelled')),
				step_results JSONB NOT NULL DEFAULT '[]',
				error TEXT NOT NULL DEFAULT '',
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				finished_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_workflow_executions_workflow_id ON workflow_executions(workflow_id);
			CREATE INDEX idx_workflow_executions_status ON workflow_executions(status);
			CREATE INDEX idx_workflow_executions_started_at ON workflow_executions(started_at);
		`,
		2: `
			CREATE TABLE webhook_subscriptions (
				id VARCHAR(255) PRIMARY KEY,
				url TEXT NOT NULL,
				secret TEXT NOT NULL,
				event_types TEXT[] NOT NULL,
				active BOOLEAN NOT NULL DEFAULT TRUE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE webhook_deliveries (
				id VARCHAR(255) PRIMARY KEY,
				delivery_id VARCHAR(255) NOT NULL UNIQUE,
				subscription_id VARCHAR(255) NOT NULL,
				event_type VARCHAR(255) NOT NULL,
				event_id VARCHAR(255) NOT NULL,
				payload JSONB NOT NULL,
				status VARCHAR(32) NOT NULL CHECK (status IN ('pending', 'delivered', 'failed', 'retrying', 'dead')),
				attempt_count INTEGER NOT NULL DEFAULT 0,
				max_attempts INTEGER NOT NULL,
				next_retry_at TIMESTAMP WITH TIME ZONE,
				http_status INTEGER NOT NULL DEFAULT 0,
				response_body TEXT NOT NULL DEFAULT '',
				error_message TEXT NOT NULL DEFAULT '',
				delivered_at TIMESTAMP WITH TIME ZONE,
				failed_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_webhook_deliveries_due ON webhook_deliveries(status, next_retry_at);
			CREATE INDEX idx_webhook_deliveries_subscription_id ON webhook_deliveries(subscription_id);
			CREATE INDEX idx_webhook_deliveries_event_id ON webhook_deliveries(event_id);
		`,
	}
}
