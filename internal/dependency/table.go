package dependency

import (
	"net/http"

	"gitlab.com/gitlab-org/labkit/log"

	"gitlab.com/gitlab-org/opcorrelator/internal/metrics"
	"gitlab.com/gitlab-org/opcorrelator/internal/operationtable"
	"gitlab.com/gitlab-org/opcorrelator/internal/telemetry"
)

// Record is the pending state of an outbound call.
type Record struct {
	Telemetry *telemetry.Dependency
	// UserCreated is set when the telemetry was supplied by the caller, who
	// then owns its emission.
	UserCreated bool
}

// Table holds the pending records of in-flight calls keyed by their request.
type Table = operationtable.Table[http.Request, *Record]

// NewTable returns a table that accounts for records dropped without being
// emitted.
func NewTable() *Table {
	return operationtable.New(operationtable.WithDiscardHandler[http.Request](discarded))
}

func discarded(rec *Record, reason operationtable.DiscardReason) {
	metrics.DependencyPendingCalls.Dec()
	metrics.DependencyDiscardedTotal.WithLabelValues(reason.String()).Inc()

	fields := log.Fields{"reason": reason.String()}
	if rec != nil && rec.Telemetry != nil {
		fields["id"] = rec.Telemetry.ID
		fields["target"] = rec.Telemetry.Target
	}
	log.WithFields(fields).Debug("dependency: pending call discarded")
}
