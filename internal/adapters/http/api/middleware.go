package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/okian/kudos/pkg/metrics"
)

// MetricsMiddleware records request count and latency for endpoint. Failed
// requests are also counted under the error code the handler answered with.
func MetricsMiddleware(next http.HandlerFunc, endpoint string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rec, r)

		durationMs := float64(time.Since(start).Microseconds()) / 1000
		status := strconv.Itoa(rec.statusCode)
		metrics.RecordHTTPRequest(endpoint, r.Method, status)
		metrics.RecordHTTPRequestDuration(endpoint, r.Method, status, durationMs)

		if rec.statusCode >= http.StatusBadRequest {
			metrics.RecordErrorByEndpoint(endpoint, r.Method, rec.errorLabel())
		}
	}
}

// statusRecorder captures the status and the errorResponse code of a reply.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	errorCode  string
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("failed to write response: %w", err)
	}
	return n, nil
}

// errorLabel prefers the code written by writeError. Replies that bypassed
// it (body limits, panics recovered upstream) fall back to the status class.
func (rw *statusRecorder) errorLabel() string {
	if rw.errorCode != "" {
		return rw.errorCode
	}
	if rw.statusCode >= http.StatusInternalServerError {
		return codeInternal
	}
	return "client_error"
}

// noteErrorCode tags w with code when it is a statusRecorder.
func noteErrorCode(w http.ResponseWriter, code string) {
	if rec, ok := w.(*statusRecorder); ok {
		rec.errorCode = code
	}
}
