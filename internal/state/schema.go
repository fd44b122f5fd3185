package state

const schemaSQL = `
CREATE TABLE IF NOT EXISTS task_runs (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL,
  kind TEXT NOT NULL,
  patient_id TEXT,
  status TEXT NOT NULL,
  started_at TEXT NOT NULL,
  finished_at TEXT,
  error TEXT
);

CREATE INDEX IF NOT EXISTS idx_task_runs_id ON task_runs(id);

CREATE INDEX IF NOT EXISTS idx_task_runs_started ON task_runs(started_at, seq);

CREATE UNIQUE INDEX IF NOT EXISTS idx_task_runs_active ON task_runs(id) WHERE status = 'running';

CREATE TABLE IF NOT EXISTS run_events (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  type TEXT NOT NULL,
  step TEXT,
  message TEXT,
  progress REAL,
  payload TEXT,
  ts TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_run_events_task_ts ON run_events(task_id, ts);
`
