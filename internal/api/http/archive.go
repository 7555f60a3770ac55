package http

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/tallyhq/tally/internal/archive"
	tallyerrors "github.com/tallyhq/tally/internal/errors"
)

// Archiver runs one archive pass.
type Archiver interface {
	Run(ctx context.Context) (archive.Report, error)
}

// ArchiveResponse is the body of a completed archive pass.
type ArchiveResponse struct {
	Uploaded []string `json:"uploaded"`
	Pending  int      `json:"pending"`
}

// ArchiveHandler handles POST /archive by running an archive pass inline.
type ArchiveHandler struct {
	archiver Archiver
	logger   logrus.FieldLogger
}

func NewArchiveHandler(archiver Archiver, logger logrus.FieldLogger) *ArchiveHandler {
	return &ArchiveHandler{archiver: archiver, logger: logger}
}

func (h *ArchiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	h.logger.WithField("request_id", GetRequestID(r.Context())).Info("manual archive triggered")
	report, err := h.archiver.Run(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("archive pass failed")
		writeError(w, tallyerrors.StatusCode(err), tallyerrors.Message(err))
		return
	}

	uploaded := report.Uploaded
	if uploaded == nil {
		uploaded = []string{}
	}
	writeJSON(w, http.StatusOK, ArchiveResponse{Uploaded: uploaded, Pending: report.Pending})
}
