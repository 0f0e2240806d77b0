package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "window"

// Drop reasons for FramesDropped.
const (
	ReasonDecode      = "decode"
	ReasonStale       = "stale_session"
	ReasonUnknownTask = "unknown_task"
	ReasonNoStatus    = "no_status"
)

// Session holds the counters one client process exports. A nil *Session is
// valid and records nothing.
type Session struct {
	FramesReceived    prometheus.Counter
	FramesDropped     *prometheus.CounterVec
	EventsApplied     *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	HealthProbes      *prometheus.CounterVec
}

// New registers the session counters on reg. Passing nil skips registration.
func New(reg prometheus.Registerer) *Session {
	m := &Session{
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Realtime frames read from the transport.",
		}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames or events discarded without changing session state.",
		}, []string{"reason"}),
		EventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_applied_total",
			Help:      "Server events handled by the session controller.",
		}, []string{"type"}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Delayed transport reconnect attempts.",
		}),
		HealthProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_probes_total",
			Help:      "Status probes by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.FramesReceived, m.FramesDropped, m.EventsApplied, m.ReconnectAttempts, m.HealthProbes)
	}
	return m
}

func (m *Session) FrameReceived() {
	if m == nil {
		return
	}
	m.FramesReceived.Inc()
}

func (m *Session) Dropped(reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(reason).Inc()
}

func (m *Session) Applied(eventType string) {
	if m == nil {
		return
	}
	m.EventsApplied.WithLabelValues(eventType).Inc()
}

func (m *Session) Reconnect() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

func (m *Session) Probe(ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.HealthProbes.WithLabelValues(result).Inc()
}
