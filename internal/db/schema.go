package db

// SQL schema definitions for the two logical stores:
// 1. auth.db    - credential records and ephemeral OAuth handshake state
// 2. samples.db - time-series heart-rate samples and daily stress records

// AuthDBSchema contains all the SQL statements for the auth database.
const AuthDBSchema = `
-- Credential records: one row per authenticated user.
-- expires_at is a UNIX timestamp (seconds); the watermarks are ISO-8601 text
-- (last_fetched_at to the second, last_fetched_stress_at at day granularity).
CREATE TABLE IF NOT EXISTS user_tokens (
    user_id TEXT PRIMARY KEY,
    email TEXT NOT NULL DEFAULT '',
    access_token TEXT NOT NULL,
    refresh_token TEXT NOT NULL,
    expires_at INTEGER NOT NULL,
    last_fetched_at TEXT DEFAULT NULL,
    last_fetched_stress_at TEXT DEFAULT NULL
);
CREATE INDEX IF NOT EXISTS idx_user_tokens_access_token ON user_tokens(access_token);

-- OAuth handshake state: single-use anti-replay tokens with short TTL.
CREATE TABLE IF NOT EXISTS oauth_state (
    state TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_oauth_state_created_at ON oauth_state(created_at);
`

// SamplesDBSchema contains all the SQL statements for the samples database.
const SamplesDBSchema = `
-- Heart-rate samples. The (user_id, timestamp) unique index makes duplicate
-- inserts no-ops; timestamps are normalized RFC3339 UTC so lexicographic
-- comparison matches chronological order.
CREATE TABLE IF NOT EXISTS heart_rate (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    timestamp TEXT NOT NULL,
    bpm INTEGER NOT NULL,
    source TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_heart_rate_user_ts ON heart_rate(user_id, timestamp);

-- Daily stress records, one per (user_id, date); first write wins.
CREATE TABLE IF NOT EXISTS daily_stress (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    date TEXT NOT NULL,
    stress_high INTEGER,
    recovery_high INTEGER,
    day_summary TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_daily_stress_user_date ON daily_stress(user_id, date);
`
