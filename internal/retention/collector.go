// Package retention removes reduced jobs once their results have been kept
// for the configured TTL.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arkilian/geogrid/internal/catalog"
)

// Lister finds reduced jobs completed before a cutoff.
type Lister interface {
	ListExpiredJobs(ctx context.Context, cutoff time.Time, limit int) ([]catalog.JobRecord, error)
}

// Deleter removes a job with everything it stored.
type Deleter interface {
	DeleteJob(ctx context.Context, jobID string) error
}

// Result holds the outcome of one collection run.
type Result struct {
	Deleted []string
	Errors  []string
}

// Collector deletes reduced jobs whose completion is older than the TTL.
type Collector struct {
	lister  Lister
	deleter Deleter
	ttl     time.Duration
	batch   int
	now     func() time.Time
	logger  logrus.FieldLogger
}

// NewCollector creates a collector. A non-positive ttl defaults to 7 days
// and a non-positive batch to 100.
func NewCollector(lister Lister, deleter Deleter, ttl time.Duration, batch int, logger logrus.FieldLogger) *Collector {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	if batch <= 0 {
		batch = 100
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Collector{
		lister:  lister,
		deleter: deleter,
		ttl:     ttl,
		batch:   batch,
		now:     time.Now,
		logger:  logger,
	}
}

// Collect deletes expired jobs batch by batch. A job that fails to delete
// is reported in Result.Errors and left for the next run.
func (c *Collector) Collect(ctx context.Context) (*Result, error) {
	result := &Result{}
	cutoff := c.now().Add(-c.ttl)

	for {
		jobs, err := c.lister.ListExpiredJobs(ctx, cutoff, c.batch)
		if err != nil {
			return result, fmt.Errorf("retention: list expired jobs: %w", err)
		}

		failed := 0
		for _, job := range jobs {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			if err := c.deleter.DeleteJob(ctx, job.ID); err != nil {
				failed++
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", job.ID, err))
				c.logger.WithField("action", "retention").WithField("job", job.ID).WithError(err).Warn("failed to delete expired job")
				continue
			}
			result.Deleted = append(result.Deleted, job.ID)
		}

		// A short batch means the backlog is drained. Failed jobs would be
		// listed again, so stop rather than spin on them.
		if len(jobs) < c.batch || failed > 0 {
			break
		}
	}

	if len(result.Deleted) > 0 || len(result.Errors) > 0 {
		c.logger.WithFields(logrus.Fields{
			"action":  "retention",
			"deleted": len(result.Deleted),
			"errors":  len(result.Errors),
			"cutoff":  cutoff,
		}).Info("expired jobs collected")
	}
	return result, nil
}

// Expired returns the jobs the next run would delete, without deleting
// them. At most one batch is returned.
func (c *Collector) Expired(ctx context.Context) ([]catalog.JobRecord, error) {
	return c.lister.ListExpiredJobs(ctx, c.now().Add(-c.ttl), c.batch)
}

// TTL returns how long reduced jobs are kept.
func (c *Collector) TTL() time.Duration {
	return c.ttl
}
