package state

const schemaSQL = `
CREATE TABLE IF NOT EXISTS task_runs (
  run_id TEXT PRIMARY KEY,
  task_session_id TEXT NOT NULL,
  runtime_mode TEXT NOT NULL,
  client_request_key TEXT,
  state TEXT NOT NULL,
  attempt INTEGER NOT NULL DEFAULT 1,
  max_attempts INTEGER NOT NULL,
  lease_owner TEXT,
  lease_expires_at TEXT,
  last_heartbeat_at TEXT,
  cancel_requested_at TEXT,
  canceled_at TEXT,
  error_code TEXT,
  error_message TEXT,
  input TEXT,
  metadata TEXT,
  result TEXT,
  queued_at TEXT NOT NULL,
  started_at TEXT,
  finished_at TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  version INTEGER NOT NULL DEFAULT 1,
  last_event_seq INTEGER NOT NULL DEFAULT 0,
  CHECK (attempt >= 1 AND attempt <= max_attempts)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_task_runs_request_key
  ON task_runs(task_session_id, client_request_key)
  WHERE client_request_key IS NOT NULL;

CREATE INDEX IF NOT EXISTS idx_task_runs_state_lease ON task_runs(state, lease_expires_at);

CREATE INDEX IF NOT EXISTS idx_task_runs_state_queued ON task_runs(state, queued_at);

CREATE INDEX IF NOT EXISTS idx_task_runs_session_created ON task_runs(task_session_id, created_at);

CREATE TABLE IF NOT EXISTS run_events (
  event_id TEXT PRIMARY KEY,
  run_id TEXT NOT NULL,
  task_session_id TEXT NOT NULL,
  event_seq INTEGER NOT NULL,
  event_type TEXT NOT NULL,
  dedupe_key TEXT,
  payload TEXT,
  created_at TEXT NOT NULL,
  UNIQUE (run_id, event_seq),
  FOREIGN KEY(run_id) REFERENCES task_runs(run_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_run_events_dedupe
  ON run_events(run_id, dedupe_key)
  WHERE dedupe_key IS NOT NULL;
`
