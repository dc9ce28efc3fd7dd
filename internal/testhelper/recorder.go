package testhelper

import (
	"sync"

	"gitlab.com/gitlab-org/opcorrelator/internal/telemetry"
)

// Recorder is a telemetry sink keeping every emitted item in memory.
type Recorder struct {
	mu    sync.Mutex
	items []telemetry.Item
}

// Emit records item.
func (r *Recorder) Emit(item telemetry.Item) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items = append(r.items, item)
}

// Items returns a copy of everything recorded so far.
func (r *Recorder) Items() []telemetry.Item {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]telemetry.Item(nil), r.items...)
}

// Len returns the number of recorded items.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.items)
}

// Dependencies returns the recorded dependency items.
func (r *Recorder) Dependencies() []*telemetry.Dependency {
	var out []*telemetry.Dependency
	for _, item := range r.Items() {
		if d, ok := item.(*telemetry.Dependency); ok {
			out = append(out, d)
		}
	}

	return out
}

// Requests returns the recorded request items.
func (r *Recorder) Requests() []*telemetry.Request {
	var out []*telemetry.Request
	for _, item := range r.Items() {
		if req, ok := item.(*telemetry.Request); ok {
			out = append(out, req)
		}
	}

	return out
}

// Exceptions returns the recorded exception items.
func (r *Recorder) Exceptions() []*telemetry.Exception {
	var out []*telemetry.Exception
	for _, item := range r.Items() {
		if e, ok := item.(*telemetry.Exception); ok {
			out = append(out, e)
		}
	}

	return out
}
