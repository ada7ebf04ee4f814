package state

// migrations are applied in order. Append new ones; never edit a released one.
var migrations = []string{
	schemaV1,
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS stories (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  description TEXT,
  summary TEXT,
  settings TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS fragments (
  id TEXT PRIMARY KEY,
  story_id TEXT NOT NULL,
  type TEXT NOT NULL,
  name TEXT NOT NULL,
  description TEXT,
  content TEXT NOT NULL,
  tags TEXT,
  sticky INTEGER NOT NULL DEFAULT 0,
  position INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  FOREIGN KEY(story_id) REFERENCES stories(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_fragments_story_type ON fragments(story_id, type, position);

CREATE TABLE IF NOT EXISTS block_configs (
  story_id TEXT NOT NULL,
  agent TEXT NOT NULL,
  config TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  PRIMARY KEY (story_id, agent)
);

CREATE TABLE IF NOT EXISTS run_records (
  root_run_id TEXT PRIMARY KEY,
  run_id TEXT NOT NULL,
  story_id TEXT NOT NULL,
  agent_name TEXT NOT NULL,
  status TEXT NOT NULL,
  error TEXT,
  started_at TEXT NOT NULL,
  finished_at TEXT NOT NULL,
  duration_ms INTEGER NOT NULL,
  trace TEXT NOT NULL,
  created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_run_records_story_created ON run_records(story_id, created_at);

CREATE TABLE IF NOT EXISTS role_overrides (
  role TEXT PRIMARY KEY,
  provider TEXT NOT NULL,
  model TEXT,
  updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
  id TEXT PRIMARY KEY,
  stream TEXT NOT NULL,
  story_id TEXT NOT NULL,
  subject TEXT,
  body TEXT NOT NULL,
  payload TEXT,
  created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_stream_story_created ON events(stream, story_id, created_at);
`
