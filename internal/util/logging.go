package util

import (
	"fmt"

	"github.com/real-rm/golog"
)

// LogError logs an error with the component and failed operation, keeping
// the error-log shape uniform across the gateway, controller, and store.
//
//	util.LogError(logger, "store", "append message", err, "session_id", sid)
//
// produces "Failed to append message" with error, component, and the extra
// fields attached.
func LogError(logger *golog.Logger, component, operation string, err error, fields ...interface{}) {
	allFields := []interface{}{"error", err, "component", component}
	allFields = append(allFields, fields...)
	logger.Error(fmt.Sprintf("Failed to %s", operation), allFields...)
}
