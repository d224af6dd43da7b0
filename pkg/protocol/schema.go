package protocol

// SchemaDDL defines the SQLite schema for the gofer matching database.
// Tables: tasks, task_changes, notify_ledger, presence, events.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Matching requests, errands and commissions alike
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    requester_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    assigned_runner_id TEXT,
    offered_runner_id TEXT,
    offer_expires_at TEXT,
    exhausted_runner_ids TEXT NOT NULL DEFAULT '[]',
    created_at TEXT NOT NULL,
    accepted_at TEXT,
    completed_at TEXT,
    lat REAL,
    lng REAL
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_requester ON tasks(requester_id);
CREATE INDEX IF NOT EXISTS idx_tasks_assigned ON tasks(assigned_runner_id);

-- Append-only change log; rowid is the feed cursor. Every status transition
-- writes exactly one row in the same transaction as the transition itself.
CREATE TABLE IF NOT EXISTS task_changes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id TEXT NOT NULL,
    requester_id TEXT NOT NULL,
    transition TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_changes_requester ON task_changes(requester_id, id);

-- Durable notify-once markers, checked-and-set before the side effect fires.
-- Survives client reloads; one row per (task, transition).
CREATE TABLE IF NOT EXISTS notify_ledger (
    task_id TEXT NOT NULL,
    transition TEXT NOT NULL,
    handled_at TEXT NOT NULL,
    PRIMARY KEY (task_id, transition)
);

-- Runner heartbeat records; written by runner clients, read-only to matching.
CREATE TABLE IF NOT EXISTS presence (
    runner_id TEXT PRIMARY KEY,
    role TEXT NOT NULL DEFAULT 'runner',
    is_available INTEGER NOT NULL DEFAULT 0,
    last_seen_at TEXT NOT NULL,
    location_updated_at TEXT,
    lat REAL,
    lng REAL
);

-- Audit event log: all matching lifecycle events
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    task_id TEXT,
    runner_id TEXT,
    payload TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);
`
