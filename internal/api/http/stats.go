package http

import (
	"net/http"
	"strconv"

	"github.com/arkilian/geogrid/internal/observability"
)

const defaultStatsLimit = 20

// StatsResponse is the body of GET /v1/stats.
type StatsResponse struct {
	Aggregations []observability.AggregationStats `json:"aggregations"`
}

// StatsHandler reports the most reduced aggregation names.
type StatsHandler struct {
	stats *observability.ReduceStats
}

func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	limit := defaultStatsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", "", GetRequestID(r.Context()))
			return
		}
		limit = n
	}

	resp := StatsResponse{Aggregations: []observability.AggregationStats{}}
	if h.stats != nil {
		h.stats.Prune()
		if top := h.stats.TopAggregations(limit); top != nil {
			resp.Aggregations = top
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
