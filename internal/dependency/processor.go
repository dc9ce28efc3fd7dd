// Package dependency turns the begin, end and exception callbacks of outbound
// HTTP calls into dependency telemetry parented on the ambient request.
//
// The callbacks are correlated through the *http.Request of the call only:
// OnBegin stores a pending record keyed by the request, and whichever of
// OnEnd or OnException arrives first claims and emits it. Callbacks that find
// nothing to claim are no-ops, so duplicate or stray terminations never emit
// twice.
package dependency

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"gitlab.com/gitlab-org/labkit/log"

	"gitlab.com/gitlab-org/opcorrelator/internal/baggage"
	"gitlab.com/gitlab-org/opcorrelator/internal/metrics"
	"gitlab.com/gitlab-org/opcorrelator/internal/opcontext"
	"gitlab.com/gitlab-org/opcorrelator/internal/requestid"
	"gitlab.com/gitlab-org/opcorrelator/internal/telemetry"
)

var (
	// ErrNilTable is returned when a processor is built without a table.
	ErrNilTable = errors.New("dependency: operation table is required")
	// ErrNilCorrelator is returned when a processor is built without a correlator.
	ErrNilCorrelator = errors.New("dependency: correlator is required")
	// ErrNilTracker is returned when a processor is built without a tracker.
	ErrNilTracker = errors.New("dependency: telemetry tracker is required")
)

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// Tracker receives finished dependency telemetry.
type Tracker interface {
	Track(ctx context.Context, item telemetry.Item)
}

// Processor drives the lifecycle of outbound calls.
type Processor struct {
	table      *Table
	correlator *opcontext.Correlator
	tracker    Tracker

	setHeaders bool
	excluded   []string
	now        func() time.Time
	tokens     atomic.Uint64
}

// Option configures a Processor.
type Option func(*Processor)

// WithCorrelationHeaders enables or disables writing the propagation headers
// on outbound requests. It is enabled by default.
func WithCorrelationHeaders(enabled bool) Option {
	return func(p *Processor) {
		p.setHeaders = enabled
	}
}

// WithExcludedDomains disables header propagation to the given domains and
// their subdomains.
func WithExcludedDomains(domains []string) Option {
	return func(p *Processor) {
		p.excluded = p.excluded[:0]
		for _, d := range domains {
			d = strings.ToLower(strings.Trim(strings.TrimSpace(d), "."))
			if d != "" {
				p.excluded = append(p.excluded, d)
			}
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		p.now = now
	}
}

// NewProcessor returns a processor storing pending calls in table, taking
// header names from correlator and handing finished telemetry to tracker.
func NewProcessor(table *Table, correlator *opcontext.Correlator, tracker Tracker, opts ...Option) (*Processor, error) {
	if table == nil {
		return nil, ErrNilTable
	}
	if correlator == nil {
		return nil, ErrNilCorrelator
	}
	if tracker == nil {
		return nil, ErrNilTracker
	}

	p := &Processor{
		table:      table,
		correlator: correlator,
		tracker:    tracker,
		setHeaders: true,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

type userTelemetryKey struct{}

// ContextWithTelemetry attaches a dependency item created by the caller. Calls
// made with the returned context fill that item instead of creating their
// own, and leave emitting it to the caller. The item belongs to one call at a
// time and must not be shared by concurrent calls. Every attempt, retries
// included, gives it a fresh id.
func ContextWithTelemetry(ctx context.Context, d *telemetry.Dependency) context.Context {
	return context.WithValue(ctx, userTelemetryKey{}, d)
}

// BeginContext is returned by OnBegin and handed back to OnEnd or
// OnException. It also knows which headers to propagate for the call.
type BeginContext struct {
	token      uint64
	id         string
	headers    opcontext.Headers
	properties baggage.Properties
	propagate  bool
}

// Token is a sequence number unique to the OnBegin call. Zero means OnBegin
// ignored the call.
func (bc BeginContext) Token() uint64 {
	return bc.token
}

// ID is the id of the dependency telemetry created for the call.
func (bc BeginContext) ID() string {
	return bc.id
}

// Inject writes the propagation headers for the call into h. Headers that
// are already set are left alone.
func (bc BeginContext) Inject(h http.Header) {
	if !bc.propagate || h == nil {
		return
	}

	if h.Get(bc.headers.ParentID) == "" {
		h.Set(bc.headers.ParentID, bc.id)
	}

	if bc.properties.Len() > 0 && h.Get(bc.headers.Baggage) == "" {
		h.Set(bc.headers.Baggage, bc.properties.Format())
	}
}

// OnBegin starts tracking the call about to be made with req.
func (p *Processor) OnBegin(req *http.Request) (bc BeginContext) {
	defer p.recoverCallback("begin")

	if req == nil || req.URL == nil {
		return BeginContext{}
	}

	ctx := req.Context()
	scope, hasScope := opcontext.FromContext(ctx)

	d, userCreated := ctx.Value(userTelemetryKey{}).(*telemetry.Dependency)
	if d == nil {
		d = &telemetry.Dependency{}
		userCreated = false
	}

	if d.ID == "" || userCreated {
		if hasScope {
			d.ID = scope.NewChildID()
		} else {
			d.ID = requestid.NewRootID()
		}
	}
	if d.Type == "" {
		d.Type = telemetry.DependencyTypeHTTP
	}
	if d.Target == "" {
		d.Target = req.URL.Host
	}
	if d.Name == "" {
		d.Name = req.Method + " " + req.URL.EscapedPath()
	}
	if d.Data == "" {
		d.Data = req.URL.Redacted()
	}
	d.Start = p.now()

	tc := &d.Context
	if tc.Operation.ID == "" {
		if hasScope {
			tc.Operation.ID = scope.OperationID
			tc.Operation.ParentID = scope.RequestID
			for _, prop := range scope.Properties {
				tc.SetPropertyIfAbsent(prop.Key, prop.Value)
			}
		} else {
			tc.Operation.ID = requestid.RootOf(d.ID)
		}
	}

	p.table.Store(req, &Record{Telemetry: d, UserCreated: userCreated})
	metrics.DependencyPendingCalls.Inc()

	bc = BeginContext{
		token:     p.tokens.Add(1),
		id:        d.ID,
		headers:   p.correlator.Headers(),
		propagate: p.setHeaders && !p.isExcluded(req.URL.Hostname()),
	}
	if hasScope {
		bc.headers = scope.Headers
		bc.properties = scope.Properties
	}

	return bc
}

// OnEnd completes the call made with req. resp is the response it returned.
func (p *Processor) OnEnd(_ BeginContext, req *http.Request, resp *http.Response) {
	defer p.recoverCallback("end")

	rec, ok := p.claim(req)
	if !ok {
		return
	}

	d := rec.Telemetry
	d.Duration = p.now().Sub(d.Start)

	if resp == nil {
		d.Success = false
		d.ErrorKind = telemetry.ErrorKindProtocol
		d.Error = "no response"
	} else {
		d.ResultCode = resp.StatusCode
		d.Success = resp.StatusCode < http.StatusBadRequest
	}

	p.finish(req.Context(), rec)
}

// OnException completes the call made with req, which failed with err.
func (p *Processor) OnException(_ BeginContext, req *http.Request, err error) {
	defer p.recoverCallback("exception")

	rec, ok := p.claim(req)
	if !ok {
		return
	}

	d := rec.Telemetry
	d.Duration = p.now().Sub(d.Start)
	d.Success = false
	d.ErrorKind = ClassifyError(err)
	if err != nil {
		d.Error = err.Error()
	}

	p.finish(req.Context(), rec)
}

// Pending returns the number of calls waiting for termination.
func (p *Processor) Pending() int {
	return p.table.Len()
}

func (p *Processor) claim(req *http.Request) (*Record, bool) {
	rec, ok := p.table.LoadAndRemove(req)
	if !ok || rec == nil || rec.Telemetry == nil {
		metrics.DependencyUnmatchedTotal.Inc()
		return nil, false
	}

	metrics.DependencyPendingCalls.Dec()

	return rec, true
}

func (p *Processor) finish(ctx context.Context, rec *Record) {
	d := rec.Telemetry

	outcome := outcomeSuccess
	if !d.Success {
		outcome = outcomeFailure
	}
	metrics.DependencyCallDuration.WithLabelValues(outcome).Observe(d.Duration.Seconds())
	metrics.DependencyCallsTotal.WithLabelValues(outcome, string(d.ErrorKind)).Inc()

	if rec.UserCreated {
		return
	}

	p.tracker.Track(ctx, d)
}

func (p *Processor) isExcluded(host string) bool {
	host = strings.ToLower(host)
	for _, d := range p.excluded {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}

	return false
}

func (p *Processor) recoverCallback(callback string) {
	if err := recover(); err != nil {
		log.WithFields(log.Fields{
			"callback":        callback,
			"recovered_error": err,
		}).Error("dependency: panic in instrumentation callback")
	}
}

// ClassifyError tells why a call failed: cancelled by the caller, timed out,
// failed at the network level or failed to speak HTTP.
func ClassifyError(err error) telemetry.ErrorKind {
	switch {
	case err == nil:
		return telemetry.ErrorKindProtocol
	case errors.Is(err, context.Canceled):
		return telemetry.ErrorKindCancellation
	case errors.Is(err, context.DeadlineExceeded):
		return telemetry.ErrorKindTimeout
	}

	// *url.Error implements net.Error itself, look at its cause instead.
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		err = urlErr.Err
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return telemetry.ErrorKindNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return telemetry.ErrorKindTimeout
		}
		return telemetry.ErrorKindNetwork
	}

	return telemetry.ErrorKindProtocol
}
