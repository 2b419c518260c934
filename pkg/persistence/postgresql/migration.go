package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Automation definitions
			CREATE TABLE automation_graphs (
				id UUID PRIMARY KEY,
				organization_id VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				enabled BOOLEAN NOT NULL DEFAULT false,
				trigger_type VARCHAR(64) NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				disabled_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_automation_graphs_org_trigger
				ON automation_graphs(organization_id, trigger_type)
				WHERE enabled AND disabled_at IS NULL;

			CREATE TABLE automation_nodes (
				graph_id UUID NOT NULL REFERENCES automation_graphs(id) ON DELETE CASCADE,
				id VARCHAR(255) NOT NULL,
				kind VARCHAR(32) NOT NULL CHECK (kind IN ('trigger', 'action', 'condition', 'delay')),
				name VARCHAR(255) NOT NULL DEFAULT '',
				config JSONB NOT NULL DEFAULT '{}',
				position_x INT NOT NULL DEFAULT 0,
				position_y INT NOT NULL DEFAULT 0,
				ordinal INT NOT NULL DEFAULT 0,
				PRIMARY KEY (graph_id, id)
			);

			CREATE TABLE automation_edges (
				graph_id UUID NOT NULL REFERENCES automation_graphs(id) ON DELETE CASCADE,
				id VARCHAR(255) NOT NULL,
				source_node_id VARCHAR(255) NOT NULL,
				target_node_id VARCHAR(255) NOT NULL,
				branch_key VARCHAR(255) NOT NULL DEFAULT '',
				ordinal INT NOT NULL DEFAULT 0,
				PRIMARY KEY (graph_id, id)
			);

			CREATE INDEX idx_automation_edges_source ON automation_edges(graph_id, source_node_id);

			-- Runs and their ledger
			CREATE TABLE automation_runs (
				id UUID PRIMARY KEY,
				graph_id UUID NOT NULL REFERENCES automation_graphs(id),
				organization_id VARCHAR(255) NOT NULL,
				subject_id VARCHAR(255) NOT NULL,
				trigger_node_id VARCHAR(255) NOT NULL,
				status VARCHAR(32) NOT NULL CHECK (status IN ('pending', 'running', 'waiting', 'completed', 'failed')),
				current_node_id VARCHAR(255) NOT NULL DEFAULT '',
				attempt INT NOT NULL DEFAULT 0,
				event JSONB NOT NULL DEFAULT '{}',
				error JSONB,
				claimed_by VARCHAR(255) NOT NULL DEFAULT '',
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_automation_runs_graph_subject ON automation_runs(graph_id, subject_id);
			CREATE INDEX idx_automation_runs_status ON automation_runs(status);
			CREATE INDEX idx_automation_runs_started_at ON automation_runs(started_at);

			CREATE TABLE automation_run_logs (
				run_id UUID NOT NULL REFERENCES automation_runs(id) ON DELETE CASCADE,
				sequence INT NOT NULL,
				node_id VARCHAR(255) NOT NULL,
				attempt INT NOT NULL,
				kind VARCHAR(128) NOT NULL,
				outcome VARCHAR(64) NOT NULL,
				result JSONB,
				error TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (run_id, sequence),
				UNIQUE (run_id, node_id, attempt)
			);

			-- Durable timers for waiting runs
			CREATE TABLE automation_continuations (
				id UUID PRIMARY KEY,
				run_id UUID NOT NULL REFERENCES automation_runs(id) ON DELETE CASCADE,
				resume_at TIMESTAMP WITH TIME ZONE NOT NULL,
				resume_node_id VARCHAR(255) NOT NULL,
				reason VARCHAR(32) NOT NULL DEFAULT 'delay',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_automation_continuations_resume_at ON automation_continuations(resume_at);
			CREATE INDEX idx_automation_continuations_run_id ON automation_continuations(run_id);
		`,
		2: `
			-- Cron schedules for scheduled_tick trigger nodes
			CREATE TABLE automation_schedules (
				id UUID PRIMARY KEY,
				organization_id VARCHAR(255) NOT NULL,
				graph_id UUID NOT NULL REFERENCES automation_graphs(id) ON DELETE CASCADE,
				trigger_node_id VARCHAR(255) NOT NULL,
				cron_expression VARCHAR(255) NOT NULL,
				next_due_at TIMESTAMP WITH TIME ZONE NOT NULL,
				active BOOLEAN NOT NULL DEFAULT true,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				UNIQUE (graph_id, trigger_node_id)
			);

			CREATE INDEX idx_automation_schedules_due ON automation_schedules(next_due_at) WHERE active;
		`,
		3: `
			-- CRM tables shared with the CRUD layer; created only when missing
			CREATE TABLE IF NOT EXISTS leads (
				id VARCHAR(255) PRIMARY KEY,
				organization_id VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL DEFAULT '',
				stage_id VARCHAR(255) NOT NULL DEFAULT '',
				assignee_id VARCHAR(255) NOT NULL DEFAULT '',
				phone VARCHAR(64) NOT NULL DEFAULT '',
				email VARCHAR(255) NOT NULL DEFAULT '',
				fields JSONB NOT NULL DEFAULT '{}',
				last_activity_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_leads_org_activity ON leads(organization_id, last_activity_at);

			CREATE TABLE IF NOT EXISTS lead_tags (
				lead_id VARCHAR(255) NOT NULL REFERENCES leads(id) ON DELETE CASCADE,
				tag_id VARCHAR(255) NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				PRIMARY KEY (lead_id, tag_id)
			);

			CREATE TABLE IF NOT EXISTS tasks (
				id VARCHAR(255) PRIMARY KEY,
				organization_id VARCHAR(255) NOT NULL,
				lead_id VARCHAR(255) NOT NULL,
				assignee_id VARCHAR(255) NOT NULL DEFAULT '',
				title VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				due_at TIMESTAMP WITH TIME ZONE NOT NULL,
				run_id VARCHAR(255) NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			-- One task per (run, title) so a replayed create_task action stays a no-op
			CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_run_title ON tasks(run_id, title) WHERE run_id <> '';
		`,
		4: `
			-- Visit counter: loops through delays keep their step budget and ledger rows
			ALTER TABLE automation_runs ADD COLUMN steps INT NOT NULL DEFAULT 0;
			ALTER TABLE automation_run_logs ADD COLUMN step INT NOT NULL DEFAULT 0;
			ALTER TABLE automation_run_logs DROP CONSTRAINT automation_run_logs_run_id_node_id_attempt_key;
			ALTER TABLE automation_run_logs ADD CONSTRAINT automation_run_logs_visit_key
				UNIQUE (run_id, step, node_id, attempt);

			-- Task ids are idempotency keys; a loop may legitimately create the same title again
			DROP INDEX IF EXISTS idx_tasks_run_title;
		`,
	}
}
