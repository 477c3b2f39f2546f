package http

import (
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/arkilian/geogrid/internal/aggregation/geogrid"
	"github.com/arkilian/geogrid/internal/codec"
	"github.com/arkilian/geogrid/internal/coordinator"
)

// ReduceRequest is the body of POST /v1/reduce.
type ReduceRequest struct {
	Partials []*codec.GridResultJSON `json:"partials"`
}

// ReduceHandler reduces the partials in the request body in process.
type ReduceHandler struct {
	coord  *coordinator.Coordinator
	logger logrus.FieldLogger
}

// NewReduceHandler creates a new reduce handler.
func NewReduceHandler(coord *coordinator.Coordinator, logger logrus.FieldLogger) *ReduceHandler {
	return &ReduceHandler{coord: coord, logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *ReduceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req ReduceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFailure(w, r, err)
		return
	}

	partials := make([]*geogrid.GridResult, 0, len(req.Partials))
	for i, p := range req.Partials {
		g, err := codec.FromJSON(p)
		if err != nil {
			writeFailure(w, r, fmt.Errorf("partial %d: %w", i, err))
			return
		}
		partials = append(partials, g)
	}

	out, err := h.coord.Reduce(r.Context(), partials)
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"action":     "http_reduce",
		"request_id": GetRequestID(r.Context()),
		"partials":   len(partials),
		"buckets":    out.Len(),
	}).Debug("reduced partials")

	writeGridResult(w, r, http.StatusOK, out)
}
