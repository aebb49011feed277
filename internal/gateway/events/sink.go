// Package events defines the observer surface the gateway core
// publishes session lifecycle and telemetry events through. Concrete
// sinks (MQTT, webhook, broadcast, log) live outside this package and
// must never block the core for long: EventSink implementations are
// expected to queue or drop rather than apply backpressure to a
// session's read loop.
package events

import (
	"time"

	"github.com/fleetgrid/telemetry-gateway/internal/gateway/codec"
)

// SessionOpened fires when a TCP connection is accepted and passed
// admission, before the handshake completes.
type SessionOpened struct {
	SessionID string
	Source    string
	OpenedAt  time.Time
}

// Authenticated fires once a session's handshake IMEI has been
// validated and bound in the registry.
type Authenticated struct {
	SessionID string
	IMEI      string
	At        time.Time
}

// AvlRecord fires once per decoded telemetry sample, already in
// ascending timestamp order within a batch.
type AvlRecord struct {
	SessionID string
	IMEI      string
	Record    codec.AVLRecord
}

// CommandResponse fires when a device replies to a Codec 12 request,
// whether or not a pending request was waiting to be matched to it.
type CommandResponse struct {
	SessionID   string
	IMEI        string
	Text        string
	CRCValid    bool
	Unsolicited bool
	At          time.Time
}

// SessionClosed fires once a session's socket is fully torn down.
type SessionClosed struct {
	SessionID string
	IMEI      string
	Reason    string
	ClosedAt  time.Time
}

// Sink receives gateway lifecycle and telemetry events. Every method
// must return quickly; a sink that needs to do blocking I/O must hand
// the event off to its own internal queue or worker pool.
type Sink interface {
	SessionOpened(SessionOpened)
	Authenticated(Authenticated)
	AvlRecord(AvlRecord)
	CommandResponse(CommandResponse)
	SessionClosed(SessionClosed)
}

// Fanout fans a single event out to every sink in order, so the core
// always talks to exactly one Sink regardless of how many concrete
// sinks are configured. A panic in one sink is not recovered here;
// sinks are responsible for their own safety.
type Fanout []Sink

func (f Fanout) SessionOpened(e SessionOpened) {
	for _, s := range f {
		s.SessionOpened(e)
	}
}

func (f Fanout) Authenticated(e Authenticated) {
	for _, s := range f {
		s.Authenticated(e)
	}
}

func (f Fanout) AvlRecord(e AvlRecord) {
	for _, s := range f {
		s.AvlRecord(e)
	}
}

func (f Fanout) CommandResponse(e CommandResponse) {
	for _, s := range f {
		s.CommandResponse(e)
	}
}

func (f Fanout) SessionClosed(e SessionClosed) {
	for _, s := range f {
		s.SessionClosed(e)
	}
}
