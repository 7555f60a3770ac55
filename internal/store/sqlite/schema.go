package sqlite

// CreateItemsTableSQL creates the items table. metric_value is TEXT so the
// exact decimal text survives; SQLite would coerce a NUMERIC column to REAL.
const CreateItemsTableSQL = `
CREATE TABLE IF NOT EXISTS items (
    id TEXT NOT NULL,
    timestamp TEXT NOT NULL,
    category TEXT,
    metric_value TEXT NOT NULL,
    PRIMARY KEY (id, timestamp)
)`

// CreateCategoryIndexSQL creates the (category, timestamp) secondary index.
const CreateCategoryIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_items_category_timestamp ON items(category, timestamp)`

// CreateSchemaVersionTableSQL records the applied schema version.
const CreateSchemaVersionTableSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL,
    applied_at INTEGER NOT NULL
)`

// SchemaVersion is the version written by this build.
const SchemaVersion = 1

// AllSchemaSQL returns every schema statement in execution order.
func AllSchemaSQL() []string {
	return []string{
		CreateItemsTableSQL,
		CreateCategoryIndexSQL,
		CreateSchemaVersionTableSQL,
	}
}

const upsertItemSQL = `
INSERT INTO items (id, timestamp, category, metric_value)
VALUES (?, ?, ?, ?)
ON CONFLICT (id, timestamp) DO UPDATE SET
    category = excluded.category,
    metric_value = excluded.metric_value`

const queryByCategorySQL = `
SELECT id, timestamp, category, metric_value FROM items
WHERE category = ? AND timestamp BETWEEN ? AND ?
ORDER BY category, timestamp`

const scanByTimeRangeSQL = `
SELECT id, timestamp, category, metric_value FROM items
WHERE timestamp BETWEEN ? AND ?`
