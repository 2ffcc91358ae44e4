package httpapi

import "time"

// CORS configuration (opt-in). If disabled, no CORS middleware is added.
var (
	corsEnabled        bool
	corsAllowedOrigins []string
	corsAllowedMethods []string
	corsAllowedHeaders []string
)

// SetCORSOptions configures CORS behavior for the HTTP server.
func SetCORSOptions(enabled bool, origins, methods, headers []string) {
	corsEnabled = enabled
	corsAllowedOrigins = append([]string(nil), origins...)
	corsAllowedMethods = append([]string(nil), methods...)
	corsAllowedHeaders = append([]string(nil), headers...)
}

// swaggerEnabled mounts /swagger/* when true.
var swaggerEnabled = true

// SetSwaggerEnabled toggles the interactive API docs.
func SetSwaggerEnabled(on bool) { swaggerEnabled = on }

const defaultHeartbeat = 15 * time.Second

// eventsHeartbeat is the idle interval after which /events re-sends the
// current snapshot so intermediaries keep the connection open.
var eventsHeartbeat = defaultHeartbeat

// SetEventsHeartbeat sets the /events keepalive interval; non-positive
// values restore the default.
func SetEventsHeartbeat(d time.Duration) {
	if d <= 0 {
		eventsHeartbeat = defaultHeartbeat
		return
	}
	eventsHeartbeat = d
}
