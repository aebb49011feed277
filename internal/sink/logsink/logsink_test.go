package logsink_test

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/fleetgrid/telemetry-gateway/internal/gateway/events"
	"github.com/fleetgrid/telemetry-gateway/internal/sink/logsink"
)

func TestSinkLogsSessionLifecycle(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	s := logsink.New(log)

	s.SessionOpened(events.SessionOpened{SessionID: "sess-1", Source: "10.0.0.1:1000", OpenedAt: time.Now()})
	s.Authenticated(events.Authenticated{SessionID: "sess-1", IMEI: "490154203237518", At: time.Now()})
	s.SessionClosed(events.SessionClosed{SessionID: "sess-1", IMEI: "490154203237518", Reason: "eof", ClosedAt: time.Now()})

	out := buf.String()
	for _, want := range []string{"session opened", "session authenticated", "session closed", "490154203237518"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected log output to contain %q, got: %s", want, out)
		}
	}
}

func TestNewFallsBackToDefaultLogger(t *testing.T) {
	t.Parallel()
	s := logsink.New(nil)
	if s == nil {
		t.Fatal("expected non-nil sink")
	}
	// Must not panic even with no explicit logger configured.
	s.SessionOpened(events.SessionOpened{SessionID: "x", Source: "y", OpenedAt: time.Now()})
}
