package db

const schema = `
-- Device registry: restored at startup to rebuild wrappers before the mesh
-- starts talking.
CREATE TABLE IF NOT EXISTS devices (
    ieee         TEXT PRIMARY KEY,
    nwk          INTEGER NOT NULL,
    manufacturer TEXT NOT NULL DEFAULT '',
    model        TEXT NOT NULL DEFAULT '',
    role         TEXT NOT NULL DEFAULT 'EndDevice',
    power_source TEXT NOT NULL DEFAULT '',
    endpoints    TEXT NOT NULL DEFAULT '{}',
    joined_at    TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at   TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Join history ring, newest first on read.
CREATE TABLE IF NOT EXISTS join_history (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    ieee      TEXT NOT NULL,
    nwk       INTEGER NOT NULL,
    event     TEXT NOT NULL,              -- joined | left | removed | rejoined
    at        TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Security events: banned joins, leave enforcement.
CREATE TABLE IF NOT EXISTS security_events (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    ieee      TEXT NOT NULL,
    event     TEXT NOT NULL,
    detail    TEXT NOT NULL DEFAULT '',
    at        TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Automation trace mirror, bounded by pruning on insert.
CREATE TABLE IF NOT EXISTS automation_trace (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    rule_id   TEXT NOT NULL,
    source    TEXT NOT NULL,
    target    TEXT NOT NULL,
    command   TEXT NOT NULL,
    success   INTEGER NOT NULL,
    error     TEXT NOT NULL DEFAULT '',
    at        TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_join_history_ieee ON join_history(ieee);
CREATE INDEX IF NOT EXISTS idx_security_events_ieee ON security_events(ieee);
`
