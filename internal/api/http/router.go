package http

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/arkilian/geogrid/internal/coordinator"
	"github.com/arkilian/geogrid/internal/observability"
)

// Router wires the API handlers onto a mux.Router.
type Router struct {
	Coordinator *coordinator.Coordinator
	Stats       *observability.ReduceStats
	Logger      logrus.FieldLogger

	// Gatherer is served on MetricsPath when both are set.
	Gatherer    prometheus.Gatherer
	MetricsPath string

	MaxBodyBytes int64
}

// Build registers every route on r.
func (router Router) Build(r *mux.Router) {
	logger := router.logger()
	coord := router.Coordinator

	r.Methods("POST").Path("/v1/reduce").Handler(NewReduceHandler(coord, logger))

	r.Methods("POST").Path("/v1/jobs").Handler(&CreateJobHandler{coord: coord})
	r.Methods("GET").Path("/v1/jobs/{job}").Handler(&GetJobHandler{coord: coord})
	r.Methods("DELETE").Path("/v1/jobs/{job}").Handler(&DeleteJobHandler{coord: coord})
	r.Methods("PUT").Path("/v1/jobs/{job}/partials/{shard}").Handler(&SubmitPartialHandler{coord: coord, logger: logger})
	r.Methods("POST").Path("/v1/jobs/{job}/reduce").Handler(&ReduceJobHandler{coord: coord})
	r.Methods("GET").Path("/v1/jobs/{job}/result").Handler(&ResultHandler{coord: coord})

	r.Methods("GET").Path("/v1/stats").Handler(&StatsHandler{stats: router.Stats})
	r.Methods("GET").Path("/healthz").HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if router.Gatherer != nil && router.MetricsPath != "" {
		r.Methods("GET").Path(router.MetricsPath).Handler(promhttp.HandlerFor(router.Gatherer, promhttp.HandlerOpts{}))
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, http.StatusNotFound, "no such route", "", GetRequestID(req.Context()))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "", GetRequestID(req.Context()))
	})
}

// Handler returns the full API handler with middleware applied.
func (router Router) Handler() http.Handler {
	r := mux.NewRouter()
	router.Build(r)
	return DefaultMiddleware(router.logger(), router.MaxBodyBytes)(r)
}

func (router Router) logger() logrus.FieldLogger {
	if router.Logger == nil {
		return logrus.New()
	}
	return router.Logger
}
