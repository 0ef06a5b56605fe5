package sessionstore

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    task_id TEXT PRIMARY KEY,
    project_name TEXT,
    command TEXT NOT NULL,
    spec_path TEXT NOT NULL,
    log_path TEXT,
    pid INTEGER,
    state TEXT NOT NULL DEFAULT 'running',
    completion_reason TEXT,
    exit_code INTEGER,
    changes_observed INTEGER DEFAULT 0,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);
CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at);

CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_task_id ON events(task_id);
CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);
`
