// Package http exposes the pipeline's HTTP API.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	headerRequestID     = "X-Request-ID"
	headerCorrelationID = "X-Correlation-ID"
)

type traceKey struct{}

// trace identifies a request across log lines and services.
type trace struct {
	requestID     string
	correlationID string
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// TraceMiddleware assigns the request and correlation IDs, honoring the
// caller's headers, and echoes both back. The correlation ID defaults to the
// request ID.
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t := trace{
			requestID:     r.Header.Get(headerRequestID),
			correlationID: r.Header.Get(headerCorrelationID),
		}
		if t.requestID == "" {
			t.requestID = uuid.NewString()
		}
		if t.correlationID == "" {
			t.correlationID = t.requestID
		}
		w.Header().Set(headerRequestID, t.requestID)
		w.Header().Set(headerCorrelationID, t.correlationID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), traceKey{}, t)))
	})
}

type recordingWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (rw *recordingWriter) WriteHeader(code int) {
	if !rw.written {
		rw.status = code
		rw.written = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *recordingWriter) Write(b []byte) (int, error) {
	rw.written = true
	return rw.ResponseWriter.Write(b)
}

// AccessLogMiddleware logs one debug line per request and converts a handler
// panic into a 500 reply, logged at error level.
func AccessLogMiddleware(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			began := time.Now()
			rw := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
			entry := logger.WithFields(logrus.Fields{
				"method":         r.Method,
				"path":           r.URL.Path,
				"request_id":     GetRequestID(r.Context()),
				"correlation_id": GetCorrelationID(r.Context()),
			})

			defer func() {
				if p := recover(); p != nil {
					entry.WithField("panic", p).Error("handler panicked")
					if !rw.written {
						writeError(rw, http.StatusInternalServerError, "internal server error")
					}
					return
				}
				entry.WithFields(logrus.Fields{
					"status": rw.status,
					"took":   time.Since(began),
				}).Debug("request served")
			}()
			next.ServeHTTP(rw, r)
		})
	}
}

// DefaultMiddleware wraps every route: tracing outermost, then access
// logging with panic recovery.
func DefaultMiddleware(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	logged := AccessLogMiddleware(logger)
	return func(h http.Handler) http.Handler {
		return TraceMiddleware(logged(h))
	}
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// GetRequestID returns the request ID assigned by TraceMiddleware, or "".
func GetRequestID(ctx context.Context) string {
	t, _ := ctx.Value(traceKey{}).(trace)
	return t.requestID
}

// GetCorrelationID returns the correlation ID assigned by TraceMiddleware, or "".
func GetCorrelationID(ctx context.Context) string {
	t, _ := ctx.Value(traceKey{}).(trace)
	return t.correlationID
}
