package telemetry

import (
	"gitlab.com/gitlab-org/labkit/log"
)

// LogSink writes every item as a structured log line.
type LogSink struct{}

// Emit logs item at info level, or at warn level for failures.
func (LogSink) Emit(item Item) {
	if isNil(item) {
		return
	}

	tc := item.TelemetryContext()

	fields := log.Fields{
		"telemetry":           item.Kind(),
		"operation_id":        tc.Operation.ID,
		"operation_parent_id": tc.Operation.ParentID,
	}
	for k, v := range tc.Properties {
		fields["property_"+k] = v
	}

	failed := false

	switch it := item.(type) {
	case *Request:
		fields["id"] = it.ID
		fields["name"] = it.Name
		fields["url"] = it.URL
		fields["status"] = it.ResponseCode
		fields["duration_ms"] = it.Duration.Milliseconds()
		if it.ClientIP != "" {
			fields["remote_ip"] = it.ClientIP
		}
		failed = !it.Success
	case *Dependency:
		fields["id"] = it.ID
		fields["type"] = it.Type
		fields["target"] = it.Target
		fields["name"] = it.Name
		fields["url"] = it.Data
		fields["status"] = it.ResultCode
		fields["duration_ms"] = it.Duration.Milliseconds()
		if it.ErrorKind != ErrorKindNone {
			fields["error_kind"] = string(it.ErrorKind)
			fields["error_message"] = it.Error
		}
		failed = !it.Success
	case *Exception:
		fields["error_message"] = it.Message
		failed = true
	}

	logger := log.WithFields(fields)
	if failed {
		logger.Warn("telemetry: " + item.Kind())
		return
	}

	logger.Info("telemetry: " + item.Kind())
}
