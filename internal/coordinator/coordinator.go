// Package coordinator runs grid reductions over shard partials: in process
// for ad-hoc requests, and as stored jobs whose partials live in object
// storage and are tracked in the catalog.
package coordinator

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arkilian/geogrid/internal/aggregation/geogrid"
	"github.com/arkilian/geogrid/internal/catalog"
	"github.com/arkilian/geogrid/internal/codec"
	gerrors "github.com/arkilian/geogrid/internal/errors"
	"github.com/arkilian/geogrid/internal/events"
	"github.com/arkilian/geogrid/internal/observability"
	"github.com/arkilian/geogrid/internal/storage"
)

// Options tunes a Coordinator. Zero values fall back to defaults.
type Options struct {
	FanIn       int
	Concurrency int
	Timeout     time.Duration
	SizePolicy  geogrid.SizePolicy

	Metrics  *observability.Metrics
	Stats    *observability.ReduceStats
	Notifier *events.Notifier
}

// Coordinator ties the reducer to storage and the catalog.
type Coordinator struct {
	storage storage.ObjectStorage
	catalog catalog.Catalog
	loader  *storage.BatchLoader
	reducer *geogrid.Reducer
	opts    Options
	logger  logrus.FieldLogger
}

// New creates a coordinator.
func New(store storage.ObjectStorage, cat catalog.Catalog, opts Options, logger logrus.FieldLogger) *Coordinator {
	if opts.FanIn < 2 {
		opts.FanIn = 16
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 8
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Coordinator{
		storage: store,
		catalog: cat,
		loader:  storage.NewBatchLoader(store, opts.Concurrency),
		reducer: geogrid.NewReducer(geogrid.WithSizePolicy(opts.SizePolicy)),
		opts:    opts,
		logger:  logger,
	}
}

// PartialPath is where a shard's partial for a job is stored.
func PartialPath(jobID, shardID string) string {
	return path.Join("jobs", jobID, "partials", shardID+".ggr")
}

// ResultPath is where a job's final result is stored.
func ResultPath(jobID string) string {
	return path.Join("jobs", jobID, "result.ggr")
}

// Reduce reduces partials in process without touching storage.
func (c *Coordinator) Reduce(ctx context.Context, partials []*geogrid.GridResult) (*geogrid.GridResult, error) {
	start := time.Now()
	out, err := ReduceTree(ctx, c.reducer, partials, c.opts.FanIn, c.opts.Concurrency)
	c.record(partials, out, time.Since(start), err)
	return out, err
}

// CreateJob registers a new job.
func (c *Coordinator) CreateJob(ctx context.Context, spec catalog.JobSpec) (*catalog.JobRecord, error) {
	if err := validateID("job id", spec.ID); err != nil {
		return nil, err
	}
	job, err := c.catalog.CreateJob(ctx, spec)
	if err != nil {
		return nil, err
	}
	c.publish(events.Event{Type: events.JobCreated, JobID: job.ID})
	return job, nil
}

// GetJob returns the catalog record of a job.
func (c *Coordinator) GetJob(ctx context.Context, jobID string) (*catalog.JobRecord, error) {
	return c.catalog.GetJob(ctx, jobID)
}

// SubmitPartial stores one shard's partial for a pending job. Resubmitting
// a shard replaces its partial.
func (c *Coordinator) SubmitPartial(ctx context.Context, jobID, shardID string, partial *geogrid.GridResult) error {
	if err := validateID("shard id", shardID); err != nil {
		return err
	}
	if partial == nil {
		return gerrors.NewValidationError(gerrors.CodeNilReduceInput, "partial is required")
	}

	job, err := c.catalog.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	switch job.State {
	case catalog.StateReduced:
		return gerrors.NewCatalogError(gerrors.CodeJobAlreadyReduced, fmt.Sprintf("job %q was already reduced", jobID), nil)
	case catalog.StateReducing:
		return gerrors.NewCatalogError(gerrors.CodeJobReducing, fmt.Sprintf("job %q is being reduced", jobID), nil)
	}
	if job.Aggregation != "" && partial.Name() != job.Aggregation {
		return gerrors.NewValidationError(gerrors.CodeInvalidRequest,
			fmt.Sprintf("partial is for aggregation %q, job %q reduces %q", partial.Name(), jobID, job.Aggregation))
	}
	if c.opts.SizePolicy == geogrid.SizePolicyStrict && partial.RequiredSize() != job.RequiredSize {
		return gerrors.NewValidationError(gerrors.CodeInconsistentSize,
			fmt.Sprintf("partial requests size %d, job %q uses %d", partial.RequiredSize(), jobID, job.RequiredSize))
	}

	data, err := codec.Encode(partial)
	if err != nil {
		return err
	}

	objectPath := PartialPath(jobID, shardID)
	if err := c.storage.Put(ctx, objectPath, data); err != nil {
		return err
	}

	err = c.catalog.RegisterPartial(ctx, catalog.PartialRecord{
		JobID:       jobID,
		ShardID:     shardID,
		ObjectPath:  objectPath,
		BucketCount: partial.Len(),
	})
	if err != nil {
		return err
	}

	if c.opts.Metrics != nil {
		c.opts.Metrics.PartialsSubmitted.Inc()
	}
	c.publish(events.Event{Type: events.PartialSubmitted, JobID: jobID, ShardID: shardID})

	c.logger.WithFields(logrus.Fields{
		"action":  "submit_partial",
		"job":     jobID,
		"shard":   shardID,
		"buckets": partial.Len(),
		"bytes":   len(data),
	}).Debug("partial stored")
	return nil
}

// ReduceJob loads every partial of a pending job, reduces them through the
// tree plan, stores the result and marks the job reduced. The job is held
// in the reducing state meanwhile, so partials cannot be added behind the
// reduction's back and concurrent calls for the same job fail with
// JOB_REDUCING. On failure the job goes back to pending.
//
// The job's required size decides the result's size, whatever the shards
// asked for.
func (c *Coordinator) ReduceJob(ctx context.Context, jobID string) (*geogrid.GridResult, error) {
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}
	start := time.Now()

	job, err := c.catalog.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := c.catalog.BeginReduce(ctx, jobID); err != nil {
		return nil, err
	}

	result, partials, err := c.reduceHeld(ctx, job, start)
	if err != nil {
		if abortErr := c.catalog.AbortReduce(context.WithoutCancel(ctx), jobID); abortErr != nil {
			c.logger.WithField("action", "reduce_job").WithField("job", jobID).WithError(abortErr).Error("failed to release job")
		}
		return nil, err
	}

	c.publish(events.Event{Type: events.JobReduced, JobID: jobID})
	c.logger.WithFields(logrus.Fields{
		"action":   "reduce_job",
		"job":      jobID,
		"partials": partials,
		"buckets":  result.Len(),
		"took":     time.Since(start),
	}).Info("job reduced")
	return result, nil
}

// reduceHeld does the work of ReduceJob once the job is reducing.
func (c *Coordinator) reduceHeld(ctx context.Context, job *catalog.JobRecord, start time.Time) (*geogrid.GridResult, int, error) {
	records, err := c.catalog.ListPartials(ctx, job.ID)
	if err != nil {
		return nil, 0, err
	}
	if len(records) == 0 {
		return nil, 0, gerrors.NewValidationError(gerrors.CodeNoPartials, fmt.Sprintf("job %q has no partials", job.ID))
	}

	partials, err := c.loadPartials(ctx, records)
	if err != nil {
		return nil, 0, err
	}
	// The reducer takes the size from its first input.
	if first := partials[0]; first.RequiredSize() != job.RequiredSize {
		partials[0] = geogrid.NewGridResult(first.Name(), job.RequiredSize, first.Buckets(), first.Meta())
	}

	result, err := ReduceTree(ctx, c.reducer, partials, c.opts.FanIn, c.opts.Concurrency)
	c.record(partials, result, time.Since(start), err)
	if err != nil {
		return nil, 0, err
	}

	data, err := codec.Encode(result)
	if err != nil {
		return nil, 0, err
	}
	resultPath := ResultPath(job.ID)
	if err := c.storage.Put(ctx, resultPath, data); err != nil {
		return nil, 0, err
	}
	if err := c.catalog.CompleteJob(ctx, job.ID, resultPath, result.Len()); err != nil {
		return nil, 0, err
	}
	return result, len(partials), nil
}

// loadPartials fetches and decodes partials, ordered by the tree plan so
// that each leaf node of the tree reduces one plan group.
func (c *Coordinator) loadPartials(ctx context.Context, records []catalog.PartialRecord) ([]*geogrid.GridResult, error) {
	byShard := make(map[string]string, len(records))
	shardIDs := make([]string, 0, len(records))
	for _, rec := range records {
		byShard[rec.ShardID] = rec.ObjectPath
		shardIDs = append(shardIDs, rec.ShardID)
	}

	var paths []string
	for _, group := range PlanTree(shardIDs, c.opts.FanIn) {
		for _, shard := range group {
			paths = append(paths, byShard[shard])
		}
	}

	loaded, err := c.loader.Load(ctx, paths)
	if err != nil {
		return nil, err
	}
	if err := loaded.FirstError(paths); err != nil {
		return nil, err
	}

	partials := make([]*geogrid.GridResult, len(paths))
	for i, p := range paths {
		g, err := codec.Decode(loaded.Data[p])
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", p, err)
		}
		partials[i] = g
	}
	return partials, nil
}

// Result loads the stored result of a reduced job.
func (c *Coordinator) Result(ctx context.Context, jobID string) (*geogrid.GridResult, error) {
	job, err := c.catalog.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State != catalog.StateReduced {
		return nil, gerrors.NewCatalogError(gerrors.CodeJobPending, fmt.Sprintf("job %q has not been reduced yet", jobID), nil)
	}

	data, err := c.storage.Get(ctx, job.ResultPath)
	if err != nil {
		return nil, err
	}
	return codec.Decode(data)
}

// WaitResult is Result, but if the job is still pending it waits up to
// wait for the job to be reduced. Requires a notifier.
func (c *Coordinator) WaitResult(ctx context.Context, jobID string, wait time.Duration) (*geogrid.GridResult, error) {
	if wait <= 0 || c.opts.Notifier == nil {
		return c.Result(ctx, jobID)
	}

	sub := c.opts.Notifier.SubscribeJob(jobID)
	defer c.opts.Notifier.Unsubscribe(sub.ID)

	// Subscribe before checking so a reduction finishing in between is
	// not missed.
	res, err := c.Result(ctx, jobID)
	if gerrors.GetCode(err) != gerrors.CodeJobPending {
		return res, err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-sub.Ch:
			if !ok {
				return c.Result(ctx, jobID)
			}
			if ev.JobID == jobID && (ev.Type == events.JobReduced || ev.Type == events.JobDeleted) {
				return c.Result(ctx, jobID)
			}
		case <-timer.C:
			return c.Result(ctx, jobID)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// DeleteJob removes a job's partial and result objects, then its catalog
// records. Objects go first so a failed delete can be retried.
func (c *Coordinator) DeleteJob(ctx context.Context, jobID string) error {
	job, err := c.catalog.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State == catalog.StateReducing {
		return gerrors.NewCatalogError(gerrors.CodeJobReducing, fmt.Sprintf("job %q is being reduced", jobID), nil)
	}
	records, err := c.catalog.ListPartials(ctx, jobID)
	if err != nil {
		return err
	}

	paths := make([]string, 0, len(records)+1)
	for _, rec := range records {
		paths = append(paths, rec.ObjectPath)
	}
	if job.ResultPath != "" {
		paths = append(paths, job.ResultPath)
	}
	for _, p := range paths {
		if err := c.storage.Delete(ctx, p); err != nil {
			return err
		}
	}

	if err := c.catalog.DeleteJob(ctx, jobID); err != nil {
		return err
	}

	c.publish(events.Event{Type: events.JobDeleted, JobID: jobID})
	c.logger.WithFields(logrus.Fields{
		"action":  "delete_job",
		"job":     jobID,
		"state":   job.State,
		"objects": len(paths),
	}).Info("job deleted")
	return nil
}

func (c *Coordinator) record(inputs []*geogrid.GridResult, out *geogrid.GridResult, took time.Duration, err error) {
	inBuckets, outBuckets := 0, 0
	for _, in := range inputs {
		if in != nil {
			inBuckets += in.Len()
		}
	}
	if out != nil {
		outBuckets = out.Len()
	}

	name := ""
	if len(inputs) > 0 && inputs[0] != nil {
		name = inputs[0].Name()
	}

	c.opts.Metrics.ObserveReduce(inBuckets, outBuckets, took, err)
	if c.opts.Stats != nil {
		c.opts.Stats.Record(name, inBuckets, outBuckets, err)
	}
	if err != nil {
		c.logger.WithField("action", "reduce").WithField("aggregation", name).WithError(err).Warn("reduction failed")
	}
}

func (c *Coordinator) publish(ev events.Event) {
	if c.opts.Notifier != nil {
		c.opts.Notifier.Publish(ev)
	}
}

// validateID rejects IDs that are empty or would change the storage layout.
func validateID(what, id string) error {
	if strings.TrimSpace(id) == "" {
		return gerrors.NewValidationError(gerrors.CodeInvalidRequest, what+" is required")
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return gerrors.NewValidationError(gerrors.CodeInvalidRequest, fmt.Sprintf("%s %q must not contain path separators", what, id))
	}
	return nil
}
