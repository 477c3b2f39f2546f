package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/arkilian/geogrid/internal/catalog"
	"github.com/arkilian/geogrid/internal/coordinator"
	gerrors "github.com/arkilian/geogrid/internal/errors"
)

// MaxResultWait bounds the ?wait= parameter of the result endpoint.
const MaxResultWait = 5 * time.Minute

// CreateJobRequest is the body of POST /v1/jobs.
type CreateJobRequest struct {
	ID           string `json:"id"`
	Aggregation  string `json:"aggregation"`
	RequiredSize int    `json:"required_size"`
}

// JobResponse describes a job.
type JobResponse struct {
	ID           string     `json:"id"`
	Aggregation  string     `json:"aggregation,omitempty"`
	RequiredSize int        `json:"required_size"`
	State        string     `json:"state"`
	BucketCount  int        `json:"bucket_count"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// SubmitPartialResponse acknowledges a stored partial.
type SubmitPartialResponse struct {
	JobID     string `json:"job_id"`
	ShardID   string `json:"shard_id"`
	RequestID string `json:"request_id,omitempty"`
}

func newJobResponse(job *catalog.JobRecord) JobResponse {
	return JobResponse{
		ID:           job.ID,
		Aggregation:  job.Aggregation,
		RequiredSize: job.RequiredSize,
		State:        job.State,
		BucketCount:  job.BucketCount,
		CreatedAt:    job.CreatedAt,
		CompletedAt:  job.CompletedAt,
	}
}

// CreateJobHandler handles POST /v1/jobs.
type CreateJobHandler struct {
	coord *coordinator.Coordinator
}

func (h *CreateJobHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFailure(w, r, err)
		return
	}

	job, err := h.coord.CreateJob(r.Context(), catalog.JobSpec{
		ID:           req.ID,
		Aggregation:  req.Aggregation,
		RequiredSize: req.RequiredSize,
	})
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newJobResponse(job))
}

// GetJobHandler handles GET /v1/jobs/{job}.
type GetJobHandler struct {
	coord *coordinator.Coordinator
}

func (h *GetJobHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	job, err := h.coord.GetJob(r.Context(), mux.Vars(r)["job"])
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(job))
}

// DeleteJobHandler handles DELETE /v1/jobs/{job}. Pending and reduced jobs
// can both be deleted.
type DeleteJobHandler struct {
	coord *coordinator.Coordinator
}

func (h *DeleteJobHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.coord.DeleteJob(r.Context(), mux.Vars(r)["job"]); err != nil {
		writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SubmitPartialHandler handles PUT /v1/jobs/{job}/partials/{shard}. The
// body is a grid result as JSON or in framed binary form.
type SubmitPartialHandler struct {
	coord  *coordinator.Coordinator
	logger logrus.FieldLogger
}

func (h *SubmitPartialHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	vars := mux.Vars(r)
	jobID, shardID := vars["job"], vars["shard"]

	partial, err := readGridResult(r)
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	if err := h.coord.SubmitPartial(r.Context(), jobID, shardID, partial); err != nil {
		writeFailure(w, r, err)
		return
	}

	requestID := GetRequestID(r.Context())
	h.logger.WithFields(logrus.Fields{
		"action":     "http_submit_partial",
		"request_id": requestID,
		"job":        jobID,
		"shard":      shardID,
	}).Debug("partial accepted")

	writeJSON(w, http.StatusAccepted, SubmitPartialResponse{
		JobID:     jobID,
		ShardID:   shardID,
		RequestID: requestID,
	})
}

// ReduceJobHandler handles POST /v1/jobs/{job}/reduce and responds with
// the final result.
type ReduceJobHandler struct {
	coord *coordinator.Coordinator
}

func (h *ReduceJobHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	out, err := h.coord.ReduceJob(r.Context(), mux.Vars(r)["job"])
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeGridResult(w, r, http.StatusOK, out)
}

// ResultHandler handles GET /v1/jobs/{job}/result. With ?wait=<duration>
// it blocks until the job is reduced or the wait elapses.
type ResultHandler struct {
	coord *coordinator.Coordinator
}

func (h *ResultHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wait, err := parseWait(r.URL.Query().Get("wait"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	out, err := h.coord.WaitResult(r.Context(), mux.Vars(r)["job"], wait)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeGridResult(w, r, http.StatusOK, out)
}

// parseWait accepts a Go duration ("30s") or a number of seconds.
func parseWait(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		secs, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return 0, gerrors.NewValidationError(gerrors.CodeInvalidRequest, "wait must be a duration or a number of seconds")
		}
		d = time.Duration(secs) * time.Second
	}
	if d < 0 {
		return 0, gerrors.NewValidationError(gerrors.CodeInvalidRequest, "wait must not be negative")
	}
	if d > MaxResultWait {
		d = MaxResultWait
	}
	return d, nil
}
