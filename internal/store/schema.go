package store

// schemaVersion is the current schema version. Increment when adding migrations.
const schemaVersion = 2

// migrations maps version numbers to SQL statements that bring the schema
// from (version-1) to (version). Version 1 is the initial schema.
var migrations = map[int]string{
	1: `
-- One row per publish attempt made by the controller.
CREATE TABLE IF NOT EXISTS publishes (
	id          TEXT    PRIMARY KEY,
	change_at   TEXT    NOT NULL,
	started_at  TEXT    NOT NULL,
	finished_at TEXT    NOT NULL,
	ok          INTEGER NOT NULL DEFAULT 0,
	error       TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_publishes_started ON publishes(started_at);
`,

	2: `
-- The step that failed, when known (unexport, sync, export).
ALTER TABLE publishes ADD COLUMN step TEXT NOT NULL DEFAULT '';
`,
}
