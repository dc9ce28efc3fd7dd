// Package inbound establishes the correlation scope of every request served
// and reports the request as telemetry once it is handled.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"gitlab.com/gitlab-org/labkit/log"

	"gitlab.com/gitlab-org/opcorrelator/internal/metrics"
	"gitlab.com/gitlab-org/opcorrelator/internal/opcontext"
	"gitlab.com/gitlab-org/opcorrelator/internal/telemetry"
)

var (
	// ErrNilCorrelator is returned when the middleware is built without a correlator.
	ErrNilCorrelator = errors.New("inbound: correlator is required")
	// ErrNilTracker is returned when the middleware is built without a tracker.
	ErrNilTracker = errors.New("inbound: telemetry tracker is required")
)

// Tracker receives request and exception telemetry.
type Tracker interface {
	Track(ctx context.Context, item telemetry.Item)
}

type handler struct {
	next       http.Handler
	correlator *opcontext.Correlator
	tracker    Tracker
	now        func() time.Time
}

// Option configures the middleware.
type Option func(*handler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *handler) {
		h.now = now
	}
}

// NewHandler wraps next so that it runs inside a correlation scope.
func NewHandler(next http.Handler, correlator *opcontext.Correlator, tracker Tracker, opts ...Option) (http.Handler, error) {
	if correlator == nil {
		return nil, ErrNilCorrelator
	}
	if tracker == nil {
		return nil, ErrNilTracker
	}

	h := &handler{next: next, correlator: correlator, tracker: tracker, now: time.Now}
	for _, opt := range opts {
		opt(h)
	}

	return h, nil
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, scope := h.correlator.Begin(r.Context(), r)

	metrics.InboundRequestsInFlight.Inc()

	item := &telemetry.Request{
		ID:       scope.RequestID,
		Name:     r.Method + " " + r.URL.Path,
		URL:      r.URL.String(),
		ClientIP: clientIP(r.RemoteAddr),
		Start:    h.now(),
		Context: telemetry.Context{
			Operation: telemetry.Operation{ID: scope.OperationID, ParentID: scope.ParentID},
		},
	}
	for _, prop := range scope.Properties {
		item.Context.SetPropertyIfAbsent(prop.Key, prop.Value)
	}

	rw := &responseWriter{ResponseWriter: w}

	defer func() {
		rec := recover()
		if rec != nil {
			h.recovered(ctx, rw, rec)
		}

		item.Duration = h.now().Sub(item.Start)
		item.ResponseCode = rw.Status()
		item.Success = rec == nil && item.ResponseCode < http.StatusInternalServerError

		h.tracker.Track(ctx, item)

		metrics.InboundRequestsInFlight.Dec()

		// The server aborts the connection quietly for this one.
		if rec == http.ErrAbortHandler {
			panic(rec)
		}
	}()

	h.next.ServeHTTP(rw, r.WithContext(ctx))
}

func (h *handler) recovered(ctx context.Context, rw *responseWriter, rec any) {
	if rec == http.ErrAbortHandler {
		rw.status = http.StatusBadGateway
		return
	}

	err, ok := rec.(error)
	if !ok {
		err = fmt.Errorf("%v", rec)
	}
	err = fmt.Errorf("panic serving request: %w", err)

	log.WithContextFields(ctx, log.Fields{"recovered_error": rec}).WithError(err).Error("inbound: recovered panic")

	h.tracker.Track(ctx, telemetry.NewException(err))

	if !rw.wroteHeader {
		http.Error(rw, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
	rw.status = http.StatusInternalServerError
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}

	return host
}

type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}

	return w.ResponseWriter.Write(b)
}

func (w *responseWriter) Flush() {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Status is the code sent to the client, 200 when the handler wrote nothing.
func (w *responseWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}

	return w.status
}
