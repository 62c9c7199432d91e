package prefs

import (
	"github.com/VictoriaMetrics/metrics"
)

// Counters are shared by all managers of the process and exposed by the
// rpc transport on /metrics.
var (
	eventsTotal               = metrics.GetOrCreateCounter("dpref_events_total")
	eventsIgnoredTotal        = metrics.GetOrCreateCounter("dpref_events_ignored_total")
	notificationsTotal        = metrics.GetOrCreateCounter("dpref_notifications_total")
	notificationsSuppressed   = metrics.GetOrCreateCounter("dpref_notifications_suppressed_total")
	listenerPanicsTotal       = metrics.GetOrCreateCounter("dpref_listener_panics_total")
	malformedStoredValueTotal = metrics.GetOrCreateCounter("dpref_malformed_values_total")
)
