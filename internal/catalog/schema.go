// Package catalog tracks reduce jobs and the shard partials submitted to
// them in a SQLite database.
package catalog

// CreateJobsTableSQL creates the jobs table. A job moves from pending to
// reduced exactly once.
const CreateJobsTableSQL = `
CREATE TABLE IF NOT EXISTS jobs (
    job_id TEXT PRIMARY KEY,
    aggregation TEXT NOT NULL,
    required_size INTEGER NOT NULL,
    state TEXT NOT NULL DEFAULT 'pending',
    result_path TEXT,
    bucket_count INTEGER,
    created_at INTEGER NOT NULL,
    completed_at INTEGER
)`

// CreatePartialsTableSQL creates the partials table. One row per
// (job, shard); resubmitting a shard replaces its row.
const CreatePartialsTableSQL = `
CREATE TABLE IF NOT EXISTS partials (
    job_id TEXT NOT NULL,
    shard_id TEXT NOT NULL,
    object_path TEXT NOT NULL,
    bucket_count INTEGER NOT NULL,
    registered_at INTEGER NOT NULL,
    PRIMARY KEY (job_id, shard_id),
    FOREIGN KEY (job_id) REFERENCES jobs(job_id)
)`

var createIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_completed ON jobs(state, completed_at)`,
}

// AllSchemaSQL returns all schema statements in execution order.
func AllSchemaSQL() []string {
	stmts := []string{CreateJobsTableSQL, CreatePartialsTableSQL}
	return append(stmts, createIndexesSQL...)
}
