package store

// schemaSQL is the DDL for all tables. Every statement is idempotent.
const schemaSQL = `
-- Fixed list of supported regulations, seeded once
CREATE TABLE IF NOT EXISTS regulations (
    id INTEGER PRIMARY KEY,
    name TEXT NOT NULL UNIQUE
);

-- One row per form submission; old_path is NULL for a first-time upload
CREATE TABLE IF NOT EXISTS uploads (
    id INTEGER PRIMARY KEY,
    regulation_id INTEGER NOT NULL REFERENCES regulations(id),
    old_path TEXT,
    new_path TEXT NOT NULL,
    upload_time DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- LLM summaries, at most one row per upload
CREATE TABLE IF NOT EXISTS summaries (
    id INTEGER PRIMARY KEY,
    upload_id INTEGER NOT NULL UNIQUE REFERENCES uploads(id) ON DELETE CASCADE,
    old_summary TEXT,
    new_summary TEXT NOT NULL
);

-- Raw extraction JSON and flattened graphs, at most one row per upload
CREATE TABLE IF NOT EXISTS entity_graphs (
    id INTEGER PRIMARY KEY,
    upload_id INTEGER NOT NULL UNIQUE REFERENCES uploads(id) ON DELETE CASCADE,
    old_json TEXT,
    new_json TEXT NOT NULL,
    graph_old TEXT,
    graph_new TEXT NOT NULL
);

-- Background processing jobs
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    upload_id INTEGER NOT NULL REFERENCES uploads(id) ON DELETE CASCADE,
    kind TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'queued',
    attempts INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_uploads_time ON uploads(upload_time);
CREATE INDEX IF NOT EXISTS idx_jobs_upload ON jobs(upload_id, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
`

// DefaultRegulations is the seed list for an empty regulations table.
var DefaultRegulations = []string{"EMIR Refit", "MiFID II", "SFTR", "AWPR"}
