// Package opcontext holds the ambient correlation scope of an inbound request
// and carries it through context.Context, so that everything running on
// behalf of the request, on any goroutine, can stamp its telemetry.
package opcontext

import (
	"context"
	"net/http"
	"sync/atomic"

	"gitlab.com/gitlab-org/labkit/correlation"

	"gitlab.com/gitlab-org/opcorrelator/internal/baggage"
	"gitlab.com/gitlab-org/opcorrelator/internal/requestid"
)

const (
	// DefaultParentIDHeader carries the id of the calling operation.
	DefaultParentIDHeader = "Request-Id"
	// DefaultBaggageHeader carries the propagated key=value properties.
	DefaultBaggageHeader = "Correlation-Context"
)

// Headers names the propagation headers.
type Headers struct {
	ParentID string
	Baggage  string
}

// DefaultHeaders returns the standard header names.
func DefaultHeaders() Headers {
	return Headers{ParentID: DefaultParentIDHeader, Baggage: DefaultBaggageHeader}
}

func (h Headers) withDefaults() Headers {
	if h.ParentID == "" {
		h.ParentID = DefaultParentIDHeader
	}
	if h.Baggage == "" {
		h.Baggage = DefaultBaggageHeader
	}

	return h
}

// Scope is the correlation state of one inbound request.
type Scope struct {
	// OperationID identifies the whole trace the request belongs to.
	OperationID string
	// ParentID is the id propagated by the caller, empty at the edge.
	ParentID string
	// RequestID is the id of the request itself; telemetry produced while
	// handling the request is parented on it.
	RequestID string
	// Properties is the propagated baggage.
	Properties baggage.Properties
	// Headers are the header names in effect when the scope was created.
	Headers Headers

	children requestid.Children
}

// NewChildID returns a new identifier for a unit of work caused by the
// request. The numbering lives as long as the scope, so work that outlives
// the request never repeats an id.
func (s *Scope) NewChildID() string {
	return s.children.Next(s.RequestID)
}

type scopeKey struct{}

// NewContext returns a copy of ctx carrying scope.
func NewContext(ctx context.Context, scope *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

// FromContext returns the scope carried by ctx.
func FromContext(ctx context.Context) (*Scope, bool) {
	if ctx == nil {
		return nil, false
	}

	scope, ok := ctx.Value(scopeKey{}).(*Scope)

	return scope, ok && scope != nil
}

// Correlator creates scopes for inbound requests.
type Correlator struct {
	parser  baggage.Parser
	headers atomic.Pointer[Headers]
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithHeaders overrides the propagation header names.
func WithHeaders(h Headers) Option {
	return func(c *Correlator) {
		c.SetHeaders(h)
	}
}

// WithMaxBaggageEntries caps the number of baggage entries kept per scope.
func WithMaxBaggageEntries(n int) Option {
	return func(c *Correlator) {
		c.parser.MaxEntries = n
	}
}

// New returns a correlator using the default header names.
func New(opts ...Option) *Correlator {
	c := &Correlator{}
	c.SetHeaders(DefaultHeaders())

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Headers returns the header names new scopes will use.
func (c *Correlator) Headers() Headers {
	return *c.headers.Load()
}

// SetHeaders changes the header names for every scope created afterwards.
// Scopes already in flight keep the names they were created with. Empty
// names fall back to the defaults.
func (c *Correlator) SetHeaders(h Headers) {
	h = h.withDefaults()
	c.headers.Store(&h)
}

// Begin creates the scope for r and returns ctx carrying it. A valid
// parent-id header makes the request a child of the caller's operation.
// Otherwise, including for a parent id without a root, the request starts a
// new trace. The operation id is also published as the labkit correlation
// id so log lines can be joined with telemetry.
func (c *Correlator) Begin(ctx context.Context, r *http.Request) (context.Context, *Scope) {
	headers := c.Headers()
	scope := &Scope{Headers: headers}

	var parentID, rawBaggage string
	if r != nil {
		parentID = r.Header.Get(headers.ParentID)
		rawBaggage = r.Header.Get(headers.Baggage)
	}

	if requestid.IsValid(parentID) {
		scope.ParentID = parentID
		scope.RequestID = requestid.NewIncomingID(parentID)
	} else {
		scope.RequestID = requestid.NewRootID()
	}
	scope.OperationID = requestid.RootOf(scope.RequestID)
	scope.Properties = c.parser.Parse(rawBaggage)

	ctx = NewContext(ctx, scope)
	ctx = correlation.ContextWithCorrelation(ctx, scope.OperationID)

	return ctx, scope
}
