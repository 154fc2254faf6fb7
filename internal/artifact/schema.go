package artifact

// currentSchemaVersion is bumped together with a migration in Store.migrate
// whenever the artifacts table changes.
const currentSchemaVersion = 1

var schema = `
CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);
CREATE TABLE IF NOT EXISTS artifacts (
	key         TEXT PRIMARY KEY,
	path        TEXT NOT NULL,
	checksum    TEXT NOT NULL,
	produced_by TEXT NOT NULL DEFAULT '',
	size_bytes  INTEGER NOT NULL,
	recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_produced_by ON artifacts(produced_by);
`
