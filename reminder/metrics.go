package reminder

import "github.com/prometheus/client_golang/prometheus"

const (
	outcomeScheduled        = "scheduled"
	outcomePermissionDenied = "permission_denied"
	outcomeFacilityError    = "facility_error"
	outcomeCancelled        = "cancelled"
	outcomeCancelFailed     = "cancel_failed"
)

// Metrics counts scheduler outcomes.
type Metrics struct {
	reminders *prometheus.CounterVec
}

// NewMetrics registers the reminder counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ameno",
		Name:      "reminders_total",
		Help:      "Reminder scheduling and cancellation attempts by outcome.",
	}, []string{"outcome"})
	if reg != nil {
		if err := reg.Register(cv); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				cv = are.ExistingCollector.(*prometheus.CounterVec)
			}
		}
	}
	return &Metrics{reminders: cv}
}

func (m *Metrics) observe(outcome string) {
	if m == nil {
		return
	}
	m.reminders.WithLabelValues(outcome).Inc()
}
