package metrics

import (
	"github.com/fleetgrid/telemetry-gateway/internal/gateway/events"
)

// Sink adapts Metrics to events.Sink so the gateway's counters update
// the same way any other observer would, without the core importing
// Prometheus directly.
type Sink struct {
	m *Metrics
}

// NewSink wraps m as an events.Sink.
func NewSink(m *Metrics) *Sink {
	return &Sink{m: m}
}

func (s *Sink) SessionOpened(events.SessionOpened) {
	s.m.SessionsActive.Inc()
}

func (s *Sink) Authenticated(events.Authenticated) {
	s.m.HandshakesTotal.WithLabelValues("accepted").Inc()
}

func (s *Sink) AvlRecord(e events.AvlRecord) {
	s.m.AvlRecordsTotal.Inc()
}

func (s *Sink) CommandResponse(e events.CommandResponse) {
	outcome := "solicited"
	if e.Unsolicited {
		outcome = "unsolicited"
	}
	s.m.CommandsDispatched.WithLabelValues(outcome).Inc()
}

func (s *Sink) SessionClosed(e events.SessionClosed) {
	s.m.SessionsActive.Dec()
	s.m.SessionsClosedTotal.WithLabelValues(e.Reason).Inc()
}
