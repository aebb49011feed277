// Package logsink is the gateway's always-on EventSink: it logs every
// lifecycle and telemetry event via log/slog and never blocks.
package logsink

import (
	"log/slog"

	"github.com/fleetgrid/telemetry-gateway/internal/gateway/events"
)

// Sink logs every event at a level appropriate to its severity.
type Sink struct {
	log *slog.Logger
}

// New builds a logsink.Sink. A nil logger falls back to slog.Default().
func New(log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	return &Sink{log: log}
}

func (s *Sink) SessionOpened(e events.SessionOpened) {
	s.log.Info("session opened", "session_id", e.SessionID, "source", e.Source)
}

func (s *Sink) Authenticated(e events.Authenticated) {
	s.log.Info("session authenticated", "session_id", e.SessionID, "imei", e.IMEI)
}

func (s *Sink) AvlRecord(e events.AvlRecord) {
	s.log.Debug("avl record",
		"session_id", e.SessionID,
		"imei", e.IMEI,
		"timestamp", e.Record.Timestamp,
		"lat", e.Record.Latitude,
		"lon", e.Record.Longitude,
	)
}

func (s *Sink) CommandResponse(e events.CommandResponse) {
	s.log.Info("command response",
		"session_id", e.SessionID,
		"imei", e.IMEI,
		"unsolicited", e.Unsolicited,
		"crc_valid", e.CRCValid,
	)
}

func (s *Sink) SessionClosed(e events.SessionClosed) {
	s.log.Info("session closed", "session_id", e.SessionID, "imei", e.IMEI, "reason", e.Reason)
}
