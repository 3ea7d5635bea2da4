package store

const schema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS tasks (
	id                 TEXT PRIMARY KEY,
	prompt             TEXT NOT NULL,
	priority           TEXT NOT NULL,
	status             TEXT NOT NULL,
	working_directory  TEXT NOT NULL DEFAULT '',
	use_worktree       INTEGER NOT NULL DEFAULT 0,
	worktree_path      TEXT,
	timeout_ms         INTEGER,
	max_output_buffer  INTEGER,
	created_at         INTEGER NOT NULL,
	started_at         INTEGER,
	completed_at       INTEGER,
	worker_id          TEXT,
	exit_code          INTEGER,
	session_id         TEXT,
	truncated          INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

CREATE TABLE IF NOT EXISTS dependencies (
	task_id   TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	prereq_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	PRIMARY KEY (task_id, prereq_id)
);

CREATE INDEX IF NOT EXISTS idx_dependencies_prereq ON dependencies(prereq_id);

CREATE TABLE IF NOT EXISTS task_output (
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	seq     INTEGER NOT NULL,
	stream  TEXT NOT NULL,
	text    TEXT NOT NULL,
	PRIMARY KEY (task_id, seq)
);

CREATE TABLE IF NOT EXISTS checkpoints (
	task_id        TEXT PRIMARY KEY REFERENCES tasks(id) ON DELETE CASCADE,
	checkpoint_type TEXT NOT NULL,
	output_summary TEXT NOT NULL DEFAULT '',
	error_summary  TEXT NOT NULL DEFAULT '',
	git_branch     TEXT NOT NULL DEFAULT '',
	git_commit_sha TEXT NOT NULL DEFAULT '',
	git_dirty_files INTEGER NOT NULL DEFAULT 0,
	created_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS schedules (
	id              TEXT PRIMARY KEY,
	cron_expression TEXT NOT NULL,
	timezone        TEXT NOT NULL,
	prompt          TEXT NOT NULL,
	priority        TEXT NOT NULL,
	enabled         INTEGER NOT NULL DEFAULT 1,
	next_run_at     INTEGER NOT NULL,
	last_run_at     INTEGER
);
`
