package requesthandlers

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"gitlab.com/gitlab-org/opcorrelator/internal/testhelper/testserver"
)

// EchoedHeaders is the body written by the echo handler.
type EchoedHeaders struct {
	Method             string `json:"method"`
	Path               string `json:"path"`
	RequestID          string `json:"request_id"`
	CorrelationContext string `json:"correlation_context"`
	CorrelationID      string `json:"correlation_id"`
}

// BuildEchoHeadersHandlers answers every request under /api with the
// correlation headers it arrived with.
func BuildEchoHeadersHandlers(t *testing.T) []testserver.TestRequestHandler {
	requests := []testserver.TestRequestHandler{
		{
			Path: "/api/",
			Handler: func(w http.ResponseWriter, r *http.Request) {
				body := EchoedHeaders{
					Method:             r.Method,
					Path:               r.URL.Path,
					RequestID:          r.Header.Get("Request-Id"),
					CorrelationContext: r.Header.Get("Correlation-Context"),
					CorrelationID:      r.Header.Get("X-Request-Id"),
				}
				w.Header().Set("Content-Type", "application/json")
				require.NoError(t, json.NewEncoder(w).Encode(body))
			},
		},
		{
			Path: "/health",
			Handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			},
		},
		{
			Path: "/missing",
			Handler: func(w http.ResponseWriter, r *http.Request) {
				http.NotFound(w, r)
			},
		},
	}

	return requests
}

// BuildFlakyHandlers fails the first failures calls to /flaky with a 503 and
// succeeds afterwards. The returned counter holds the number of calls.
func BuildFlakyHandlers(failures int64) ([]testserver.TestRequestHandler, *atomic.Int64) {
	calls := &atomic.Int64{}

	requests := []testserver.TestRequestHandler{
		{
			Path: "/flaky",
			Handler: func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) <= failures {
					w.WriteHeader(http.StatusServiceUnavailable)
					return
				}
				w.WriteHeader(http.StatusOK)
			},
		},
	}

	return requests, calls
}
