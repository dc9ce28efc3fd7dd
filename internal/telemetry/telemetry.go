// Package telemetry defines the items produced for inbound requests, outbound
// dependency calls and exceptions, and the sink they are emitted to.
package telemetry

import (
	"time"
)

// Item kinds, also used as metric label values.
const (
	KindRequest    = "request"
	KindDependency = "dependency"
	KindException  = "exception"
)

// ErrorKind classifies why a dependency call failed.
type ErrorKind string

const (
	ErrorKindNone         ErrorKind = ""
	ErrorKindNetwork      ErrorKind = "network"
	ErrorKindProtocol     ErrorKind = "protocol"
	ErrorKindCancellation ErrorKind = "cancellation"
	ErrorKindTimeout      ErrorKind = "timeout"
)

// DependencyTypeHTTP is the Dependency.Type of outbound HTTP calls.
const DependencyTypeHTTP = "Http"

// Operation places an item in the operation tree.
type Operation struct {
	// ID is the identifier of the whole trace.
	ID string
	// ParentID is the identifier of the unit of work that caused the item.
	ParentID string
}

// Context is the correlation part shared by every item.
type Context struct {
	Operation  Operation
	Properties map[string]string
}

// SetPropertyIfAbsent stores value under key unless key is already set. It
// reports whether the value was stored.
func (c *Context) SetPropertyIfAbsent(key, value string) bool {
	if _, ok := c.Properties[key]; ok {
		return false
	}

	if c.Properties == nil {
		c.Properties = make(map[string]string)
	}
	c.Properties[key] = value

	return true
}

// Item is implemented by every telemetry type. TelemetryContext returns nil
// for a nil item.
type Item interface {
	Kind() string
	TelemetryContext() *Context
}

// Request describes an inbound request handled by this process.
type Request struct {
	ID           string
	Name         string
	URL          string
	ClientIP     string
	ResponseCode int
	Success      bool
	Start        time.Time
	Duration     time.Duration
	Context      Context
}

func (r *Request) Kind() string               { return KindRequest }
func (r *Request) TelemetryContext() *Context {
	if r == nil {
		return nil
	}

	return &r.Context
}

// Dependency describes an outbound call made by this process.
type Dependency struct {
	ID         string
	Type       string
	Target     string
	Name       string
	Data       string
	ResultCode int
	Success    bool
	ErrorKind  ErrorKind
	Error      string
	Start      time.Time
	Duration   time.Duration
	Context    Context
}

func (d *Dependency) Kind() string               { return KindDependency }
func (d *Dependency) TelemetryContext() *Context {
	if d == nil {
		return nil
	}

	return &d.Context
}

// Exception describes an error observed while handling a request.
type Exception struct {
	Err       error
	Message   string
	Timestamp time.Time
	Context   Context
}

func (e *Exception) Kind() string               { return KindException }
func (e *Exception) TelemetryContext() *Context {
	if e == nil {
		return nil
	}

	return &e.Context
}

func isNil(item Item) bool {
	return item == nil || item.TelemetryContext() == nil
}

// NewException returns an exception item for err.
func NewException(err error) *Exception {
	e := &Exception{Err: err, Timestamp: time.Now()}
	if err != nil {
		e.Message = err.Error()
	}

	return e
}
