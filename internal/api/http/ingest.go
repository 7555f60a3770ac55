package http

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	tallyerrors "github.com/tallyhq/tally/internal/errors"
	"github.com/tallyhq/tally/internal/ingest"
)

// DefaultMaxBodyBytes bounds ingestion request bodies.
const DefaultMaxBodyBytes = 1 << 20

// Ingestor accepts one producer event.
type Ingestor interface {
	Ingest(ctx context.Context, body []byte) (ingest.Receipt, error)
}

// IngestResponse is the body of a successful ingestion.
type IngestResponse struct {
	Message        string `json:"message"`
	SequenceNumber string `json:"sequenceNumber"`
}

// IngestHandler handles POST /ingest.
type IngestHandler struct {
	gateway      Ingestor
	maxBodyBytes int64
	logger       logrus.FieldLogger
}

// NewIngestHandler creates an ingest handler. A non-positive maxBodyBytes
// selects DefaultMaxBodyBytes.
func NewIngestHandler(gateway Ingestor, maxBodyBytes int64, logger logrus.FieldLogger) *IngestHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &IngestHandler{gateway: gateway, maxBodyBytes: maxBodyBytes, logger: logger}
}

func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			err = tallyerrors.NewClientInputError(tallyerrors.CodeBodyTooLarge, "request body too large", nil)
		} else {
			err = tallyerrors.NewClientInputError(tallyerrors.CodeMalformedBody, "failed to read request body", err)
		}
		writeError(w, tallyerrors.StatusCode(err), tallyerrors.Message(err))
		return
	}

	receipt, err := h.gateway.Ingest(r.Context(), body)
	if err != nil {
		status := tallyerrors.StatusCode(err)
		if status >= http.StatusInternalServerError {
			h.logger.WithError(err).WithField("request_id", GetRequestID(r.Context())).Error("ingest failed")
		}
		writeError(w, status, tallyerrors.Message(err))
		return
	}

	writeJSON(w, http.StatusOK, IngestResponse{
		Message:        "Data ingested successfully",
		SequenceNumber: receipt.SequenceNumber,
	})
}
