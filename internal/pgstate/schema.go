package pgstate

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
  lease_expires_at TIMESTAMPTZ,
  last_heartbeat_at TIMESTAMPTZ,
  cancel_requested_at TIMESTAMPTZ,
  canceled_at TIMESTAMPTZ,
  error_code TEXT,
  error_message TEXT,
  input JSONB,
  metadata JSONB,
  result JSONB,
  queued_at TIMESTAMPTZ NOT NULL,
  started_at TIMESTAMPTZ,
  finished_at TIMESTAMPTZ,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  version BIGINT NOT NULL DEFAULT 1,
  last_event_seq BIGINT NOT NULL DEFAULT 0,
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
  run_id TEXT NOT NULL REFERENCES task_runs(run_id),
  task_session_id TEXT NOT NULL,
  event_seq BIGINT NOT NULL,
  event_type TEXT NOT NULL,
  dedupe_key TEXT,
  payload JSONB,
  created_at TIMESTAMPTZ NOT NULL,
  UNIQUE (run_id, event_seq)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_run_events_dedupe
  ON run_events(run_id, dedupe_key)
  WHERE dedupe_key IS NOT NULL;
`
