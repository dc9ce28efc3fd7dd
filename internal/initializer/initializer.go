// Package initializer stamps telemetry created while handling an inbound
// request with the request's correlation scope.
package initializer

import (
	"context"

	"gitlab.com/gitlab-org/opcorrelator/internal/opcontext"
	"gitlab.com/gitlab-org/opcorrelator/internal/telemetry"
)

// Operation fills the operation id, parent id and baggage of items that
// arrive without an operation id. Items that already carry one are left
// untouched, including their parent id and properties.
type Operation struct{}

var _ telemetry.Initializer = Operation{}

// Initialize stamps item from the scope carried by ctx. It is a no-op when
// ctx carries no scope.
func (Operation) Initialize(ctx context.Context, item telemetry.Item) {
	if item == nil {
		return
	}

	tc := item.TelemetryContext()
	if tc == nil || tc.Operation.ID != "" {
		return
	}

	scope, ok := opcontext.FromContext(ctx)
	if !ok {
		return
	}

	tc.Operation.ID = scope.OperationID
	tc.Operation.ParentID = scope.RequestID

	for _, prop := range scope.Properties {
		tc.SetPropertyIfAbsent(prop.Key, prop.Value)
	}
}
