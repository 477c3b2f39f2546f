package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	gerrors "github.com/arkilian/geogrid/internal/errors"
)

// Job states. A job is reducing while one reduction holds it; partials
// cannot be registered then.
const (
	StatePending  = "pending"
	StateReducing = "reducing"
	StateReduced  = "reduced"
)

// Catalog records reduce jobs and their partials.
type Catalog interface {
	// CreateJob registers a new pending job.
	CreateJob(ctx context.Context, spec JobSpec) (*JobRecord, error)

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID string) (*JobRecord, error)

	// RegisterPartial records a shard partial. Registering the same shard
	// again replaces the previous record.
	RegisterPartial(ctx context.Context, rec PartialRecord) error

	// ListPartials returns the partials of a job ordered by shard ID.
	ListPartials(ctx context.Context, jobID string) ([]PartialRecord, error)

	// BeginReduce moves a pending job to reducing. Only one caller wins;
	// the others get JOB_REDUCING or JOB_ALREADY_REDUCED.
	BeginReduce(ctx context.Context, jobID string) error

	// AbortReduce moves a reducing job back to pending.
	AbortReduce(ctx context.Context, jobID string) error

	// ResetReducing moves every reducing job back to pending. Used at
	// startup, when no reduction can still be running.
	ResetReducing(ctx context.Context) (int64, error)

	// CompleteJob marks a job reduced and stores where its result lives.
	CompleteJob(ctx context.Context, jobID, resultPath string, bucketCount int) error

	// ListExpiredJobs returns up to limit reduced jobs completed before
	// cutoff, oldest first.
	ListExpiredJobs(ctx context.Context, cutoff time.Time, limit int) ([]JobRecord, error)

	// DeleteJob removes a job and its partial records.
	DeleteJob(ctx context.Context, jobID string) error

	// Close closes the catalog database connection.
	Close() error
}

// JobSpec describes a job to create.
type JobSpec struct {
	ID           string
	Aggregation  string
	RequiredSize int
}

// JobRecord is a job as stored in the catalog.
type JobRecord struct {
	ID           string
	Aggregation  string
	RequiredSize int
	State        string
	ResultPath   string
	BucketCount  int
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

// PartialRecord is one shard's contribution to a job.
type PartialRecord struct {
	JobID        string
	ShardID      string
	ObjectPath   string
	BucketCount  int
	RegisteredAt time.Time
}

// SQLiteCatalog implements Catalog using SQLite.
type SQLiteCatalog struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool
	dbPath string
	mu     sync.Mutex // Serializes writers

	now func() time.Time
}

// NewCatalog opens (creating if needed) the catalog at dbPath.
func NewCatalog(dbPath string) (*SQLiteCatalog, error) {
	// Write connection: single writer with WAL mode
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	c := &SQLiteCatalog{
		db:     db,
		readDB: readDB,
		dbPath: dbPath,
		now:    time.Now,
	}

	if err := c.initSchema(); err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("catalog: failed to initialize schema: %w", err)
	}
	return c, nil
}

func (c *SQLiteCatalog) initSchema() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// CreateJob registers a new pending job.
func (c *SQLiteCatalog) CreateJob(ctx context.Context, spec JobSpec) (*JobRecord, error) {
	if strings.TrimSpace(spec.ID) == "" {
		return nil, gerrors.NewValidationError(gerrors.CodeInvalidRequest, "job id is required")
	}
	if spec.RequiredSize < 0 {
		return nil, gerrors.NewValidationError(gerrors.CodeInvalidRequest, fmt.Sprintf("required size must be >= 0, got %d", spec.RequiredSize))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	created := c.now()
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO jobs (job_id, aggregation, required_size, state, created_at) VALUES (?, ?, ?, ?, ?)`,
		spec.ID, spec.Aggregation, spec.RequiredSize, StatePending, created.UnixNano())
	if err != nil {
		if isConstraintViolation(err) {
			return nil, gerrors.NewCatalogError(gerrors.CodeJobAlreadyExists, fmt.Sprintf("job %q already exists", spec.ID), nil)
		}
		return nil, gerrors.NewCatalogError(gerrors.CodeUnexpected, "insert job", err)
	}

	return &JobRecord{
		ID:           spec.ID,
		Aggregation:  spec.Aggregation,
		RequiredSize: spec.RequiredSize,
		State:        StatePending,
		CreatedAt:    time.Unix(0, created.UnixNano()),
	}, nil
}

// GetJob retrieves a job by ID.
func (c *SQLiteCatalog) GetJob(ctx context.Context, jobID string) (*JobRecord, error) {
	return getJob(ctx, c.readDB, jobID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type scanner interface {
	Scan(dest ...interface{}) error
}

const jobColumns = `job_id, aggregation, required_size, state, result_path, bucket_count, created_at, completed_at`

func getJob(ctx context.Context, q queryRower, jobID string) (*JobRecord, error) {
	rec, err := scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobNotFound(jobID)
	}
	return rec, err
}

// scanJob reads one jobs row. sql.ErrNoRows is returned as is.
func scanJob(row scanner) (*JobRecord, error) {
	var (
		rec         JobRecord
		resultPath  sql.NullString
		bucketCount sql.NullInt64
		createdAt   int64
		completedAt sql.NullInt64
	)
	err := row.Scan(&rec.ID, &rec.Aggregation, &rec.RequiredSize, &rec.State, &resultPath, &bucketCount, &createdAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, gerrors.NewCatalogError(gerrors.CodeUnexpected, "query job", err)
	}

	rec.ResultPath = resultPath.String
	rec.BucketCount = int(bucketCount.Int64)
	rec.CreatedAt = time.Unix(0, createdAt)
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64)
		rec.CompletedAt = &t
	}
	return &rec, nil
}

// RegisterPartial records a shard partial for a pending job.
func (c *SQLiteCatalog) RegisterPartial(ctx context.Context, rec PartialRecord) error {
	if rec.ShardID == "" || rec.ObjectPath == "" {
		return gerrors.NewValidationError(gerrors.CodeInvalidRequest, "shard id and object path are required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return gerrors.NewCatalogError(gerrors.CodeUnexpected, "begin transaction", err)
	}
	defer tx.Rollback()

	job, err := getJob(ctx, tx, rec.JobID)
	if err != nil {
		return err
	}
	switch job.State {
	case StateReduced:
		return alreadyReduced(rec.JobID)
	case StateReducing:
		return reducing(rec.JobID)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO partials (job_id, shard_id, object_path, bucket_count, registered_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (job_id, shard_id) DO UPDATE SET
			object_path = excluded.object_path,
			bucket_count = excluded.bucket_count,
			registered_at = excluded.registered_at`,
		rec.JobID, rec.ShardID, rec.ObjectPath, rec.BucketCount, c.now().UnixNano())
	if err != nil {
		return gerrors.NewCatalogError(gerrors.CodeUnexpected, "upsert partial", err)
	}

	if err := tx.Commit(); err != nil {
		return gerrors.NewCatalogError(gerrors.CodeUnexpected, "commit partial", err)
	}
	return nil
}

// ListPartials returns the partials of a job ordered by shard ID.
func (c *SQLiteCatalog) ListPartials(ctx context.Context, jobID string) ([]PartialRecord, error) {
	if _, err := getJob(ctx, c.readDB, jobID); err != nil {
		return nil, err
	}

	rows, err := c.readDB.QueryContext(ctx,
		`SELECT job_id, shard_id, object_path, bucket_count, registered_at
		 FROM partials WHERE job_id = ? ORDER BY shard_id`, jobID)
	if err != nil {
		return nil, gerrors.NewCatalogError(gerrors.CodeUnexpected, "query partials", err)
	}
	defer rows.Close()

	var out []PartialRecord
	for rows.Next() {
		var (
			rec          PartialRecord
			registeredAt int64
		)
		if err := rows.Scan(&rec.JobID, &rec.ShardID, &rec.ObjectPath, &rec.BucketCount, &registeredAt); err != nil {
			return nil, gerrors.NewCatalogError(gerrors.CodeUnexpected, "scan partial", err)
		}
		rec.RegisteredAt = time.Unix(0, registeredAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, gerrors.NewCatalogError(gerrors.CodeUnexpected, "iterate partials", err)
	}
	return out, nil
}

// BeginReduce moves a pending job to reducing.
func (c *SQLiteCatalog) BeginReduce(ctx context.Context, jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.ExecContext(ctx,
		`UPDATE jobs SET state = ? WHERE job_id = ? AND state = ?`,
		StateReducing, jobID, StatePending)
	return c.checkTransition(ctx, jobID, "begin reduce", res, err)
}

// AbortReduce moves a reducing job back to pending so it can be reduced
// again.
func (c *SQLiteCatalog) AbortReduce(ctx context.Context, jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.ExecContext(ctx,
		`UPDATE jobs SET state = ? WHERE job_id = ? AND state = ?`,
		StatePending, jobID, StateReducing)
	return c.checkTransition(ctx, jobID, "abort reduce", res, err)
}

// ResetReducing moves all reducing jobs back to pending and returns how
// many there were.
func (c *SQLiteCatalog) ResetReducing(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.ExecContext(ctx, `UPDATE jobs SET state = ? WHERE state = ?`, StatePending, StateReducing)
	if err != nil {
		return 0, gerrors.NewCatalogError(gerrors.CodeUnexpected, "reset reducing jobs", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, gerrors.NewCatalogError(gerrors.CodeUnexpected, "reset reducing jobs", err)
	}
	return n, nil
}

// CompleteJob marks a pending or reducing job reduced. Completing a job
// twice fails with JOB_ALREADY_REDUCED.
func (c *SQLiteCatalog) CompleteJob(ctx context.Context, jobID, resultPath string, bucketCount int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, result_path = ?, bucket_count = ?, completed_at = ?
		 WHERE job_id = ? AND state IN (?, ?)`,
		StateReduced, resultPath, bucketCount, c.now().UnixNano(), jobID, StatePending, StateReducing)
	return c.checkTransition(ctx, jobID, "complete job", res, err)
}

// checkTransition turns the outcome of a conditional state UPDATE into an
// error. When no row changed it reports why from the job's current state.
// Callers hold c.mu.
func (c *SQLiteCatalog) checkTransition(ctx context.Context, jobID, op string, res sql.Result, err error) error {
	if err != nil {
		return gerrors.NewCatalogError(gerrors.CodeUnexpected, op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return gerrors.NewCatalogError(gerrors.CodeUnexpected, op, err)
	}
	if n == 1 {
		return nil
	}

	job, err := getJob(ctx, c.db, jobID)
	if err != nil {
		return err
	}
	switch job.State {
	case StateReduced:
		return alreadyReduced(jobID)
	case StateReducing:
		return reducing(jobID)
	default:
		return gerrors.NewCatalogError(gerrors.CodeJobPending, fmt.Sprintf("job %q is not being reduced", jobID), nil)
	}
}

// ListExpiredJobs returns up to limit reduced jobs completed before cutoff,
// oldest first.
func (c *SQLiteCatalog) ListExpiredJobs(ctx context.Context, cutoff time.Time, limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := c.readDB.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE state = ? AND completed_at < ?
		 ORDER BY completed_at, job_id LIMIT ?`,
		StateReduced, cutoff.UnixNano(), limit)
	if err != nil {
		return nil, gerrors.NewCatalogError(gerrors.CodeUnexpected, "query expired jobs", err)
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, gerrors.NewCatalogError(gerrors.CodeUnexpected, "iterate expired jobs", err)
	}
	return out, nil
}

// DeleteJob removes a job and its partial records in one transaction.
func (c *SQLiteCatalog) DeleteJob(ctx context.Context, jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return gerrors.NewCatalogError(gerrors.CodeUnexpected, "begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM partials WHERE job_id = ?`, jobID); err != nil {
		return gerrors.NewCatalogError(gerrors.CodeUnexpected, "delete partials", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return gerrors.NewCatalogError(gerrors.CodeUnexpected, "delete job", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return jobNotFound(jobID)
	}

	if err := tx.Commit(); err != nil {
		return gerrors.NewCatalogError(gerrors.CodeUnexpected, "commit delete", err)
	}
	return nil
}

// Close closes the catalog database connections.
func (c *SQLiteCatalog) Close() error {
	readErr := c.readDB.Close()
	if err := c.db.Close(); err != nil {
		return err
	}
	return readErr
}

func isConstraintViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

func jobNotFound(jobID string) error {
	return gerrors.NewCatalogError(gerrors.CodeJobNotFound, fmt.Sprintf("job %q not found", jobID), nil)
}

func alreadyReduced(jobID string) error {
	return gerrors.NewCatalogError(gerrors.CodeJobAlreadyReduced, fmt.Sprintf("job %q was already reduced", jobID), nil)
}

func reducing(jobID string) error {
	return gerrors.NewCatalogError(gerrors.CodeJobReducing, fmt.Sprintf("job %q is being reduced", jobID), nil)
}
