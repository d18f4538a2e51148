package sqlite

// SQLite schema DDL constants

const schemaNodes = `
CREATE TABLE IF NOT EXISTS nodes (
    workspace TEXT NOT NULL,
    id TEXT NOT NULL,
    parent_id TEXT NOT NULL DEFAULT '',
    name TEXT NOT NULL DEFAULT '',
    primary_type TEXT NOT NULL,
    revision INTEGER NOT NULL DEFAULT 1,
    body BLOB NOT NULL,
    PRIMARY KEY (workspace, id)
)`

const schemaBlobs = `
CREATE TABLE IF NOT EXISTS blobs (
    kind TEXT NOT NULL,
    id TEXT NOT NULL,
    data BLOB NOT NULL,
    PRIMARY KEY (kind, id)
)`

const schemaMeta = `
CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value INTEGER NOT NULL
)`

// Index definitions
const indexNodesParent = `CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(workspace, parent_id)`
const indexNodesType = `CREATE INDEX IF NOT EXISTS idx_nodes_type ON nodes(primary_type)`

// SQLite pragmas
const pragmaWAL = `PRAGMA journal_mode=WAL`
const pragmaFK = `PRAGMA foreign_keys=ON`
const pragmaBusyTimeout = `PRAGMA busy_timeout=5000`
const pragmaSynchronous = `PRAGMA synchronous=NORMAL`

// allSchemaStatements returns all schema DDL in order
func allSchemaStatements() []string {
	return []string{
		schemaNodes,
		schemaBlobs,
		schemaMeta,
		indexNodesParent,
		indexNodesType,
	}
}

// allPragmas returns all pragma statements
func allPragmas() []string {
	return []string{
		pragmaWAL,
		pragmaFK,
		pragmaBusyTimeout,
		pragmaSynchronous,
	}
}
