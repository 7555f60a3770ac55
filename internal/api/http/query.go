package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	tallyerrors "github.com/tallyhq/tally/internal/errors"
	"github.com/tallyhq/tally/internal/query"
	"github.com/tallyhq/tally/pkg/types"
)

// Querier answers analytics queries.
type Querier interface {
	Query(ctx context.Context, category string, days *int) (query.Result, error)
}

// AnalyticsResponse is the body of a successful analytics query.
type AnalyticsResponse struct {
	Data  []types.StoredItem `json:"data"`
	Count int                `json:"count"`
}

// AnalyticsHandler handles GET /analytics?category=&days=.
type AnalyticsHandler struct {
	service Querier
	logger  logrus.FieldLogger
}

// NewAnalyticsHandler creates an analytics handler.
func NewAnalyticsHandler(service Querier, logger logrus.FieldLogger) *AnalyticsHandler {
	return &AnalyticsHandler{service: service, logger: logger}
}

func (h *AnalyticsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	params := r.URL.Query()
	var days *int
	if raw := params.Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "days must be an integer")
			return
		}
		days = &n
	}

	res, err := h.service.Query(r.Context(), params.Get("category"), days)
	if err != nil {
		status := tallyerrors.StatusCode(err)
		if status >= http.StatusInternalServerError {
			h.logger.WithError(err).WithField("request_id", GetRequestID(r.Context())).Error("analytics query failed")
		}
		writeError(w, status, tallyerrors.Message(err))
		return
	}

	writeJSON(w, http.StatusOK, AnalyticsResponse{Data: res.Items, Count: res.Count})
}
