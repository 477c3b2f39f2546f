package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/geogrid/internal/aggregation"
	"github.com/arkilian/geogrid/internal/aggregation/geogrid"
	"github.com/arkilian/geogrid/internal/aggregation/metric"
	"github.com/arkilian/geogrid/internal/catalog"
	"github.com/arkilian/geogrid/internal/codec"
	"github.com/arkilian/geogrid/internal/coordinator"
	gerrors "github.com/arkilian/geogrid/internal/errors"
	"github.com/arkilian/geogrid/internal/events"
	"github.com/arkilian/geogrid/internal/observability"
	"github.com/arkilian/geogrid/internal/storage"
)

type apiFixture struct {
	server *httptest.Server
	coord  *coordinator.Coordinator
	logs   *test.Hook
}

func newAPIFixture(t *testing.T, maxBody int64) *apiFixture {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.NewLocalStorage(filepath.Join(dir, "objects"))
	require.NoError(t, err)
	cat, err := catalog.NewCatalog(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	reg := prometheus.NewRegistry()
	stats := observability.NewReduceStats(time.Hour)
	coord := coordinator.New(store, cat, coordinator.Options{
		FanIn:       2,
		Concurrency: 2,
		Metrics:     observability.NewMetrics(reg),
		Stats:       stats,
		Notifier:    events.NewNotifier(8),
	}, logger)

	srv := httptest.NewServer(Router{
		Coordinator:  coord,
		Stats:        stats,
		Logger:       logger,
		Gatherer:     reg,
		MetricsPath:  "/metrics",
		MaxBodyBytes: maxBody,
	}.Handler())
	t.Cleanup(srv.Close)

	return &apiFixture{server: srv, coord: coord, logs: hook}
}

func (f *apiFixture) do(t *testing.T, method, path string, body io.Reader, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, body)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *apiFixture) doJSON(t *testing.T, method, path string, v interface{}) *http.Response {
	t.Helper()
	var body io.Reader
	if v != nil {
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	return f.do(t, method, path, body, map[string]string{"Content-Type": "application/json"})
}

func cells(size int, kv ...int64) *geogrid.GridResult {
	var buckets []*geogrid.Bucket
	for i := 0; i+1 < len(kv); i += 2 {
		buckets = append(buckets, geogrid.NewBucket(geogrid.CellKey(kv[i]), kv[i+1],
			aggregation.New(metric.NewSum("hits").Accumulate(float64(kv[i+1])))))
	}
	return geogrid.NewGridResult("cells", size, buckets, nil)
}

func mustJSON(t *testing.T, g *geogrid.GridResult) *codec.GridResultJSON {
	t.Helper()
	dto, err := codec.ToJSON(g)
	require.NoError(t, err)
	return dto
}

func decodeResult(t *testing.T, resp *http.Response) *geogrid.GridResult {
	t.Helper()
	var dto codec.GridResultJSON
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dto))
	g, err := codec.FromJSON(&dto)
	require.NoError(t, err)
	return g
}

func decodeError(t *testing.T, resp *http.Response) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	return e
}

type kc struct {
	key   geogrid.CellKey
	count int64
}

func pairs(g *geogrid.GridResult) []kc {
	out := make([]kc, 0, g.Len())
	for _, b := range g.Buckets() {
		out = append(out, kc{b.Key(), b.DocCount()})
	}
	return out
}

func TestReduceHandler(t *testing.T) {
	f := newAPIFixture(t, 0)

	resp := f.doJSON(t, "POST", "/v1/reduce", ReduceRequest{Partials: []*codec.GridResultJSON{
		mustJSON(t, cells(2, 10, 3, 20, 5)),
		mustJSON(t, cells(2, 10, 1, 30, 9)),
	}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	out := decodeResult(t, resp)
	assert.Equal(t, []kc{{30, 9}, {20, 5}}, pairs(out))
	assert.Equal(t, 5.0, out.Bucket(20).Aggregations().Get("hits").(aggregation.Valuer).Value())
}

func TestReduceHandler_FramedResponse(t *testing.T) {
	f := newAPIFixture(t, 0)

	raw, err := json.Marshal(ReduceRequest{Partials: []*codec.GridResultJSON{mustJSON(t, cells(5, 1, 1))}})
	require.NoError(t, err)
	resp := f.do(t, "POST", "/v1/reduce", bytes.NewReader(raw), map[string]string{"Accept": codec.ContentType})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, codec.ContentType, resp.Header.Get("Content-Type"))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, []kc{{1, 1}}, pairs(out))
}

func TestReduceHandler_Errors(t *testing.T) {
	f := newAPIFixture(t, 0)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"invalid json", `{"partials":`, http.StatusBadRequest, gerrors.CodeInvalidRequest},
		{"no partials", `{"partials":[]}`, http.StatusBadRequest, gerrors.CodeEmptyReduceInput},
		{"null partial", `{"partials":[null]}`, http.StatusBadRequest, gerrors.CodeMalformedPayload},
		{"duplicate key", `{"partials":[{"name":"c","required_size":1,"buckets":[{"key":1,"doc_count":1},{"key":1,"doc_count":2}]}]}`, http.StatusBadRequest, gerrors.CodeMalformedPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, "POST", "/v1/reduce", strings.NewReader(tt.body), nil)
			assert.Equal(t, tt.status, resp.StatusCode)
			e := decodeError(t, resp)
			assert.Equal(t, tt.code, e.Code)
			assert.NotEmpty(t, e.RequestID)
		})
	}
}

func TestJobs_Lifecycle(t *testing.T) {
	f := newAPIFixture(t, 0)

	resp := f.doJSON(t, "POST", "/v1/jobs", CreateJobRequest{ID: "job-1", Aggregation: "cells", RequiredSize: 2})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var job JobResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	assert.Equal(t, catalog.StatePending, job.State)

	resp = f.doJSON(t, "POST", "/v1/jobs", CreateJobRequest{ID: "job-1", Aggregation: "cells", RequiredSize: 2})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, gerrors.CodeJobAlreadyExists, decodeError(t, resp).Code)

	resp = f.doJSON(t, "PUT", "/v1/jobs/job-1/partials/s1", mustJSON(t, cells(2, 10, 3, 20, 5)))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	framed, err := codec.Encode(cells(2, 10, 1, 30, 9))
	require.NoError(t, err)
	resp = f.do(t, "PUT", "/v1/jobs/job-1/partials/s2", bytes.NewReader(framed), map[string]string{"Content-Type": codec.ContentType})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = f.do(t, "GET", "/v1/jobs/job-1/result", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, gerrors.CodeJobPending, decodeError(t, resp).Code)

	resp = f.do(t, "POST", "/v1/jobs/job-1/reduce", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []kc{{30, 9}, {20, 5}}, pairs(decodeResult(t, resp)))

	resp = f.do(t, "GET", "/v1/jobs/job-1/result", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []kc{{30, 9}, {20, 5}}, pairs(decodeResult(t, resp)))

	resp = f.do(t, "GET", "/v1/jobs/job-1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	assert.Equal(t, catalog.StateReduced, job.State)
	assert.Equal(t, 2, job.BucketCount)
	assert.NotNil(t, job.CompletedAt)

	resp = f.doJSON(t, "PUT", "/v1/jobs/job-1/partials/s3", mustJSON(t, cells(2, 1, 1)))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, gerrors.CodeJobAlreadyReduced, decodeError(t, resp).Code)
}

func TestJobs_NotFound(t *testing.T) {
	f := newAPIFixture(t, 0)

	for _, path := range []string{"/v1/jobs/missing", "/v1/jobs/missing/result"} {
		resp := f.do(t, "GET", path, nil, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
		assert.Equal(t, gerrors.CodeJobNotFound, decodeError(t, resp).Code, path)
	}

	resp := f.doJSON(t, "PUT", "/v1/jobs/missing/partials/s1", mustJSON(t, cells(1, 1, 1)))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobs_Delete(t *testing.T) {
	f := newAPIFixture(t, 0)

	resp := f.doJSON(t, "POST", "/v1/jobs", CreateJobRequest{ID: "gone", RequiredSize: 1})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = f.doJSON(t, "PUT", "/v1/jobs/gone/partials/s1", mustJSON(t, cells(1, 1, 1)))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = f.do(t, "DELETE", "/v1/jobs/gone", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, "GET", "/v1/jobs/gone", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, "DELETE", "/v1/jobs/gone", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, gerrors.CodeJobNotFound, decodeError(t, resp).Code)
}

func TestJobs_ReduceWithoutPartials(t *testing.T) {
	f := newAPIFixture(t, 0)

	resp := f.doJSON(t, "POST", "/v1/jobs", CreateJobRequest{ID: "empty"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.do(t, "POST", "/v1/jobs/empty/reduce", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, gerrors.CodeNoPartials, decodeError(t, resp).Code)
}

func TestResultHandler_WaitsForReduction(t *testing.T) {
	f := newAPIFixture(t, 0)
	ctx := context.Background()

	_, err := f.coord.CreateJob(ctx, catalog.JobSpec{ID: "slow", Aggregation: "cells", RequiredSize: 3})
	require.NoError(t, err)
	require.NoError(t, f.coord.SubmitPartial(ctx, "slow", "s1", cells(3, 7, 2)))

	go func() {
		time.Sleep(100 * time.Millisecond)
		f.coord.ReduceJob(ctx, "slow") // nolint: errcheck
	}()

	resp := f.do(t, "GET", "/v1/jobs/slow/result?wait=5s", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []kc{{7, 2}}, pairs(decodeResult(t, resp)))
}

func TestParseWait(t *testing.T) {
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"2s", 2 * time.Second, false},
		{"3", 3 * time.Second, false},
		{"1h", MaxResultWait, false},
		{"-1s", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		got, err := parseWait(tt.raw)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseWait(%q): expected error", tt.raw)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("parseWait(%q) = %v, %v; want %v", tt.raw, got, err, tt.want)
		}
	}
}

func TestMaxBodyBytes(t *testing.T) {
	f := newAPIFixture(t, 64)

	big := ReduceRequest{Partials: []*codec.GridResultJSON{mustJSON(t, cells(50, 1, 1, 2, 2, 3, 3, 4, 4, 5, 5))}}
	resp := f.doJSON(t, "POST", "/v1/reduce", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestStatsAndMetrics(t *testing.T) {
	f := newAPIFixture(t, 0)

	resp := f.doJSON(t, "POST", "/v1/reduce", ReduceRequest{Partials: []*codec.GridResultJSON{mustJSON(t, cells(1, 1, 1))}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, "GET", "/v1/stats?limit=5", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats StatsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	require.Len(t, stats.Aggregations, 1)
	assert.Equal(t, "cells", stats.Aggregations[0].Name)
	assert.Equal(t, int64(1), stats.Aggregations[0].Reductions)

	resp = f.do(t, "GET", "/v1/stats?limit=zero", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, "GET", "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "geogrid_reductions_total")
}

func TestRouting(t *testing.T) {
	f := newAPIFixture(t, 0)

	resp := f.do(t, "GET", "/nope", nil, map[string]string{"X-Request-ID": "req-42"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "req-42", resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "req-42", resp.Header.Get("X-Correlation-ID"))
	assert.Equal(t, "req-42", decodeError(t, resp).RequestID)

	resp = f.do(t, "DELETE", "/v1/reduce", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp = f.do(t, "GET", "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRecoveryMiddleware(t *testing.T) {
	logger, hook := test.NewNullLogger()
	r := mux.NewRouter()
	r.Path("/boom").HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })

	rec := httptest.NewRecorder()
	DefaultMiddleware(logger, 0)(r).ServeHTTP(rec, httptest.NewRequest("GET", "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var sawPanic bool
	for _, e := range hook.AllEntries() {
		if e.Data["action"] == "http_panic" {
			sawPanic = true
		}
	}
	assert.True(t, sawPanic)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{gerrors.NewValidationError(gerrors.CodeInvalidRequest, "x"), http.StatusBadRequest},
		{gerrors.NewCodecError(gerrors.CodeMalformedPayload, "x", nil), http.StatusBadRequest},
		{gerrors.NewAggregationError(gerrors.CodeTypeMismatch, "x", nil), http.StatusBadRequest},
		{gerrors.NewCatalogError(gerrors.CodeJobNotFound, "x", nil), http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", storage.ErrObjectNotFound), http.StatusNotFound},
		{gerrors.NewCatalogError(gerrors.CodeJobPending, "x", nil), http.StatusConflict},
		{gerrors.NewCatalogError(gerrors.CodeJobReducing, "x", nil), http.StatusConflict},
		{gerrors.NewStorageError(gerrors.CodeUploadFailed, "x", nil), http.StatusInternalServerError},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
