// Package client provides an HTTP client whose calls are tracked as
// dependency telemetry and carry the correlation headers of the request
// that issued them.
package client

import (
	"net/http"
	"time"

	"gitlab.com/gitlab-org/labkit/correlation"
	"gitlab.com/gitlab-org/labkit/log"
	"gitlab.com/gitlab-org/labkit/tracing"

	"gitlab.com/gitlab-org/opcorrelator/internal/dependency"
	"gitlab.com/gitlab-org/opcorrelator/internal/metrics"
)

// Lifecycle receives the begin, end and exception callbacks of every call.
// *dependency.Processor implements it.
type Lifecycle interface {
	OnBegin(req *http.Request) dependency.BeginContext
	OnEnd(bc dependency.BeginContext, req *http.Request, resp *http.Response)
	OnException(bc dependency.BeginContext, req *http.Request, err error)
}

type transport struct {
	next      http.RoundTripper
	lifecycle Lifecycle
}

// RoundTrip executes a single HTTP transaction between the lifecycle
// callbacks. The request is tracked by identity, the headers are written to
// a clone so the caller's request is left untouched.
func (rt *transport) RoundTrip(request *http.Request) (*http.Response, error) {
	ctx := request.Context()

	bc := rt.lifecycle.OnBegin(request)

	outbound := request.Clone(ctx)
	bc.Inject(outbound.Header)

	start := time.Now()

	response, err := rt.next.RoundTrip(outbound)

	fields := log.Fields{
		"method":      request.Method,
		"url":         request.URL.Redacted(),
		"duration_ms": time.Since(start) / time.Millisecond,
		"request_id":  bc.ID(),
	}
	logger := log.WithContextFields(ctx, fields)

	if err != nil {
		rt.lifecycle.OnException(bc, request, err)
		logger.WithError(err).Error("Upstream unreachable")
		return response, err
	}

	rt.lifecycle.OnEnd(bc, request, response)

	logger = logger.WithField("status", response.StatusCode)

	if response.StatusCode >= http.StatusInternalServerError {
		logger.Error("Upstream error")
		return response, nil
	}

	if response.ContentLength >= 0 {
		logger = logger.WithField("content_length_bytes", response.ContentLength)
	}

	logger.Debug("Finished HTTP request")

	return response, nil
}

// DefaultTransport returns a clone of the default HTTP transport, the base of
// every upstream transport.
func DefaultTransport() *http.Transport {
	return http.DefaultTransport.(*http.Transport).Clone()
}

// NewTransport wraps next with dependency tracking, metrics, tracing and
// correlation handling.
func NewTransport(next http.RoundTripper, lifecycle Lifecycle) http.RoundTripper {
	t := &transport{next: next, lifecycle: lifecycle}
	return correlation.NewInstrumentedRoundTripper(tracing.NewRoundTripper(metrics.NewRoundTripper(t)))
}
