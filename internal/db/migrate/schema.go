package migrate

// migrations is the ordered chain. Versions are append-only: new entries go
// at the end with the next number, existing entries never change once
// released.
var migrations = []Migration{
	{
		Version:     1,
		Description: "core tables: projects, sessions, tasks, dependencies, session_tasks",
		SQL: `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	repo_path TEXT NOT NULL,
	github_repo TEXT,
	linear_team_id TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	external_id TEXT NOT NULL,
	machine_id TEXT NOT NULL,
	source TEXT NOT NULL,
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	title TEXT,
	status TEXT NOT NULL DEFAULT 'active',
	jsonl_path TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE (external_id, machine_id, source)
);

CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_id);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, updated_at);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	parent_task_id TEXT REFERENCES tasks(id) ON DELETE SET NULL,
	created_in_session_id TEXT,
	closed_in_session_id TEXT,
	closed_commit_sha TEXT,
	closed_at TEXT,
	title TEXT NOT NULL,
	description TEXT,
	details TEXT,
	status TEXT NOT NULL DEFAULT 'open',
	priority INTEGER NOT NULL DEFAULT 2,
	task_type TEXT NOT NULL DEFAULT 'task',
	assignee TEXT,
	labels TEXT NOT NULL DEFAULT '[]',
	validation_status TEXT,
	validation_feedback TEXT,
	validation_criteria TEXT,
	validation_fail_count INTEGER NOT NULL DEFAULT 0,
	use_external_validator INTEGER NOT NULL DEFAULT 0,
	complexity_score INTEGER,
	estimated_subtasks INTEGER,
	expansion_context TEXT,
	workflow_name TEXT,
	verification TEXT,
	sequence_order INTEGER,
	commits TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_project_status ON tasks(project_id, status);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id);

CREATE TABLE IF NOT EXISTS task_dependencies (
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	depends_on TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	dep_type TEXT NOT NULL DEFAULT 'blocks',
	created_at TEXT NOT NULL,
	PRIMARY KEY (task_id, depends_on, dep_type)
);

CREATE TABLE IF NOT EXISTS session_tasks (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	action TEXT NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE (session_id, task_id, action)
);
`,
	},
	{
		Version:     2,
		Description: "task validation and selection history",
		SQL: `
CREATE TABLE IF NOT EXISTS task_validation_history (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	validation_status TEXT NOT NULL,
	feedback TEXT,
	session_id TEXT,
	validated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS task_selection_history (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	session_id TEXT,
	reason TEXT,
	selected_at TEXT NOT NULL
);
`,
	},
	{
		Version:     3,
		Description: "worktrees table",
		SQL: `
CREATE TABLE IF NOT EXISTS worktrees (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	path TEXT NOT NULL,
	branch TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`,
	},
	{
		Version:     4,
		Description: "memory tables: memories, crossrefs, session_memories",
		SQL: `
CREATE TABLE IF NOT EXISTS memories (
	id TEXT PRIMARY KEY,
	project_id TEXT REFERENCES projects(id) ON DELETE CASCADE,
	memory_type TEXT NOT NULL DEFAULT 'fact',
	content TEXT NOT NULL,
	source_type TEXT,
	source_session_id TEXT,
	importance REAL NOT NULL DEFAULT 0.5,
	access_count INTEGER NOT NULL DEFAULT 0,
	last_accessed_at TEXT,
	embedding BLOB,
	tags TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memories_project ON memories(project_id);

CREATE TABLE IF NOT EXISTS memory_crossrefs (
	source_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
	target_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
	similarity REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (source_id, target_id)
);

CREATE TABLE IF NOT EXISTS session_memories (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	memory_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
	action TEXT NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE (session_id, memory_id, action)
);
`,
	},
	{
		Version:     5,
		Description: "workflow state table",
		SQL: `
CREATE TABLE IF NOT EXISTS workflow_states (
	session_id TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
	workflow_name TEXT NOT NULL,
	step TEXT NOT NULL DEFAULT '',
	step_entered_at TEXT,
	step_action_count INTEGER NOT NULL DEFAULT 0,
	total_action_count INTEGER NOT NULL DEFAULT 0,
	artifacts TEXT NOT NULL DEFAULT '{}',
	observations TEXT NOT NULL DEFAULT '[]',
	reflection_pending INTEGER NOT NULL DEFAULT 0,
	context_injected INTEGER NOT NULL DEFAULT 0,
	variables TEXT NOT NULL DEFAULT '{}',
	task_list TEXT NOT NULL DEFAULT '[]',
	current_task_index INTEGER NOT NULL DEFAULT 0,
	files_modified_this_task INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`,
	},
	{
		Version:     6,
		Description: "mcp server, tool, and tool embedding tables",
		SQL: `
CREATE TABLE IF NOT EXISTS mcp_servers (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	transport TEXT NOT NULL DEFAULT 'http',
	url TEXT,
	command TEXT,
	args TEXT,
	env TEXT,
	headers TEXT,
	enabled INTEGER NOT NULL DEFAULT 1,
	description TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE (name, project_id)
);

CREATE TABLE IF NOT EXISTS tools (
	id TEXT PRIMARY KEY,
	mcp_server_id TEXT NOT NULL REFERENCES mcp_servers(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	description TEXT,
	input_schema TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE (mcp_server_id, name)
);

CREATE TABLE IF NOT EXISTS tool_embeddings (
	tool_id TEXT PRIMARY KEY REFERENCES tools(id) ON DELETE CASCADE,
	embedding BLOB,
	text_hash TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`,
	},
	{
		Version:     7,
		Description: "session handoff, lineage, and usage columns",
		SQL: `
ALTER TABLE sessions ADD COLUMN summary_path TEXT;
ALTER TABLE sessions ADD COLUMN summary_markdown TEXT;
ALTER TABLE sessions ADD COLUMN compact_markdown TEXT;
ALTER TABLE sessions ADD COLUMN git_branch TEXT;
ALTER TABLE sessions ADD COLUMN parent_session_id TEXT REFERENCES sessions(id);
ALTER TABLE sessions ADD COLUMN agent_depth INTEGER NOT NULL DEFAULT 0;
ALTER TABLE sessions ADD COLUMN spawned_by_agent_id TEXT;
ALTER TABLE sessions ADD COLUMN workflow_name TEXT;
ALTER TABLE sessions ADD COLUMN agent_run_id TEXT;
ALTER TABLE sessions ADD COLUMN context_injected INTEGER NOT NULL DEFAULT 0;
ALTER TABLE sessions ADD COLUMN original_prompt TEXT;
ALTER TABLE sessions ADD COLUMN transcript_processed INTEGER NOT NULL DEFAULT 0;
ALTER TABLE sessions ADD COLUMN terminal_context TEXT;
ALTER TABLE sessions ADD COLUMN usage_input_tokens INTEGER NOT NULL DEFAULT 0;
ALTER TABLE sessions ADD COLUMN usage_output_tokens INTEGER NOT NULL DEFAULT 0;
ALTER TABLE sessions ADD COLUMN usage_cache_creation_tokens INTEGER NOT NULL DEFAULT 0;
ALTER TABLE sessions ADD COLUMN usage_cache_read_tokens INTEGER NOT NULL DEFAULT 0;
ALTER TABLE sessions ADD COLUMN usage_total_cost_usd REAL NOT NULL DEFAULT 0;
ALTER TABLE sessions ADD COLUMN model TEXT;
`,
	},
	{
		Version:     8,
		Description: "task escalation and external tracker columns",
		SQL: `
ALTER TABLE tasks ADD COLUMN escalated_at TEXT;
ALTER TABLE tasks ADD COLUMN escalation_reason TEXT;
ALTER TABLE tasks ADD COLUMN github_issue_number INTEGER;
ALTER TABLE tasks ADD COLUMN github_pr_number INTEGER;
ALTER TABLE tasks ADD COLUMN linear_issue_id TEXT;
`,
	},
	{
		Version:     9,
		Description: "rewrite legacy gt- task ids to uuids",
		Fn:          migrateTaskIDsToUUID,
	},
	{
		Version:     10,
		Description: "backfill per-project task seq numbers",
		Fn:          migrateTaskSeqNums,
	},
	{
		Version:     11,
		Description: "backfill task path cache from parent chain",
		Fn:          migrateTaskPathCache,
	},
	{
		Version:     12,
		Description: "backfill per-project session seq numbers",
		Fn:          migrateSessionSeqNums,
	},
	{
		Version:     13,
		Description: "session messages table",
		SQL: `
CREATE TABLE IF NOT EXISTS session_messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_session_messages_session ON session_messages(session_id);
`,
	},
	{
		Version:     14,
		Description: "skills table",
		SQL: `
CREATE TABLE IF NOT EXISTS skills (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	project_id TEXT REFERENCES projects(id) ON DELETE CASCADE,
	description TEXT,
	instructions TEXT NOT NULL,
	tags TEXT NOT NULL DEFAULT '[]',
	enabled INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE (name, project_id)
);
`,
	},
	{
		Version:     15,
		Description: "tool metrics table",
		SQL: `
CREATE TABLE IF NOT EXISTS tool_metrics (
	id TEXT PRIMARY KEY,
	mcp_server_id TEXT NOT NULL REFERENCES mcp_servers(id) ON DELETE CASCADE,
	tool_name TEXT NOT NULL,
	duration_ms REAL NOT NULL,
	success INTEGER NOT NULL,
	error TEXT,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tool_metrics_server ON tool_metrics(mcp_server_id, created_at);
`,
	},
	{
		Version:     16,
		Description: "seed the synthetic orphaned project",
		SQL: `
INSERT OR IGNORE INTO projects (id, name, repo_path, created_at, updated_at)
VALUES ('00000000-0000-0000-0000-000000000000', '_orphaned', '',
	strftime('%Y-%m-%dT%H:%M:%SZ', 'now'), strftime('%Y-%m-%dT%H:%M:%SZ', 'now'));
`,
	},
}
