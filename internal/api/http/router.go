package http

import (
	"net/http"

	"github.com/sirupsen/logrus"
)

// Routes holds the handlers mounted by NewRouter. Nil handlers are not
// mounted, so a process running only part of the pipeline exposes only its
// own endpoints.
type Routes struct {
	Ingest    http.Handler
	Analytics http.Handler
	Archive   http.Handler
	Metrics   http.Handler
	// Wrap, when set, is applied outside the default middleware chain.
	Wrap func(http.Handler) http.Handler
}

// NewRouter builds the HTTP handler tree.
func NewRouter(routes Routes, logger logrus.FieldLogger) http.Handler {
	mux := http.NewServeMux()
	if routes.Ingest != nil {
		mux.Handle("/ingest", routes.Ingest)
	}
	if routes.Analytics != nil {
		mux.Handle("/analytics", routes.Analytics)
	}
	if routes.Archive != nil {
		mux.Handle("/archive", routes.Archive)
	}
	if routes.Metrics != nil {
		mux.Handle("/metrics", routes.Metrics)
	}
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	h := DefaultMiddleware(logger)(mux)
	if routes.Wrap != nil {
		h = routes.Wrap(h)
	}
	return h
}
