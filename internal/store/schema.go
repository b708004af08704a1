package store

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	slug       TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS github_tokens (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id   INTEGER NOT NULL REFERENCES accounts(id),
	name         TEXT NOT NULL,
	ciphertext   BLOB NOT NULL,
	prefix       TEXT NOT NULL,
	scopes       TEXT NOT NULL DEFAULT '',
	expires_at   TIMESTAMP,
	revoked_at   TIMESTAMP,
	last_used_at TIMESTAMP,
	created_at   TIMESTAMP NOT NULL,
	UNIQUE(account_id, name)
);

CREATE TABLE IF NOT EXISTS projects (
	id                       INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id               INTEGER NOT NULL REFERENCES accounts(id),
	github_token_id          INTEGER NOT NULL REFERENCES github_tokens(id),
	owner                    TEXT NOT NULL,
	repo                     TEXT NOT NULL,
	github_id                INTEGER NOT NULL,
	default_branch           TEXT NOT NULL DEFAULT 'main',
	active                   INTEGER NOT NULL DEFAULT 0,
	poll_interval_seconds    INTEGER NOT NULL DEFAULT 300,
	label_mappings           TEXT NOT NULL DEFAULT '{}',
	pr_action_labels         TEXT NOT NULL DEFAULT '[]',
	allowed_github_usernames TEXT NOT NULL DEFAULT '[]',
	auto_scan_prs            INTEGER NOT NULL DEFAULT 0,
	auto_fix_merge_conflicts INTEGER NOT NULL DEFAULT 0,
	max_pr_followup_runs     INTEGER NOT NULL DEFAULT 5,
	total_cost_cents         INTEGER NOT NULL DEFAULT 0,
	total_tokens_used        INTEGER NOT NULL DEFAULT 0,
	detected_language        TEXT NOT NULL DEFAULT '',
	created_at               TIMESTAMP NOT NULL,
	UNIQUE(account_id, github_id)
);

CREATE TABLE IF NOT EXISTS issues (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id           INTEGER NOT NULL REFERENCES projects(id),
	github_issue_id      INTEGER NOT NULL,
	github_number        INTEGER NOT NULL,
	title                TEXT NOT NULL,
	body                 TEXT,
	labels               TEXT NOT NULL DEFAULT '[]',
	github_state         TEXT NOT NULL DEFAULT 'open',
	is_pull_request      INTEGER NOT NULL DEFAULT 0,
	github_creator_login TEXT NOT NULL DEFAULT '',
	paid_state           TEXT NOT NULL DEFAULT 'new',
	pr_followup_count    INTEGER NOT NULL DEFAULT 0,
	created_at           TIMESTAMP NOT NULL,
	updated_at           TIMESTAMP NOT NULL,
	UNIQUE(project_id, github_issue_id)
);

CREATE TABLE IF NOT EXISTS agent_runs (
	id                         INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id                 INTEGER NOT NULL REFERENCES projects(id),
	issue_id                   INTEGER REFERENCES issues(id),
	temporal_workflow_id       TEXT UNIQUE,
	agent_type                 TEXT NOT NULL DEFAULT 'claude_code',
	status                     TEXT NOT NULL DEFAULT 'pending',
	started_at                 TIMESTAMP,
	completed_at               TIMESTAMP,
	duration_seconds           INTEGER,
	worktree_path              TEXT NOT NULL DEFAULT '',
	branch_name                TEXT NOT NULL DEFAULT '',
	base_commit_sha            TEXT NOT NULL DEFAULT '',
	result_commit_sha          TEXT NOT NULL DEFAULT '',
	pull_request_url           TEXT NOT NULL DEFAULT '',
	pull_request_number        INTEGER,
	source_pull_request_number INTEGER,
	custom_prompt              TEXT NOT NULL DEFAULT '',
	tokens_input               INTEGER NOT NULL DEFAULT 0,
	tokens_output              INTEGER NOT NULL DEFAULT 0,
	cost_cents                 INTEGER NOT NULL DEFAULT 0,
	proxy_token                TEXT NOT NULL DEFAULT '',
	container_id               TEXT NOT NULL DEFAULT '',
	error_message              TEXT NOT NULL DEFAULT '',
	created_at                 TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS worktrees (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id   INTEGER NOT NULL REFERENCES projects(id),
	agent_run_id INTEGER REFERENCES agent_runs(id),
	path         TEXT NOT NULL,
	branch_name  TEXT NOT NULL,
	base_commit  TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'active',
	pushed       INTEGER NOT NULL DEFAULT 0,
	cleaned_at   TIMESTAMP,
	created_at   TIMESTAMP NOT NULL,
	UNIQUE(project_id, branch_name)
);

CREATE TABLE IF NOT EXISTS agent_run_logs (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_run_id INTEGER NOT NULL REFERENCES agent_runs(id),
	log_type     TEXT NOT NULL,
	content      TEXT NOT NULL,
	metadata     TEXT,
	created_at   TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_agent_run_logs_run ON agent_run_logs(agent_run_id);

CREATE TABLE IF NOT EXISTS workflow_states (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	temporal_workflow_id TEXT NOT NULL UNIQUE,
	workflow_type        TEXT NOT NULL,
	status               TEXT NOT NULL,
	started_at           TIMESTAMP,
	completed_at         TIMESTAMP,
	error_message        TEXT NOT NULL DEFAULT '',
	input_data           TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS prompt_versions (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	slug              TEXT NOT NULL,
	scope             TEXT NOT NULL DEFAULT 'global',
	account_id        INTEGER REFERENCES accounts(id),
	project_id        INTEGER REFERENCES projects(id),
	version           INTEGER NOT NULL DEFAULT 1,
	template          TEXT NOT NULL,
	system_prompt     TEXT NOT NULL DEFAULT '',
	variables         TEXT NOT NULL DEFAULT '[]',
	created_by        TEXT NOT NULL DEFAULT '',
	change_notes      TEXT NOT NULL DEFAULT '',
	parent_version_id INTEGER REFERENCES prompt_versions(id),
	created_at        TIMESTAMP NOT NULL
);
`
