// Package dispatcher routes server-initiated Codec 12 commands to the
// session currently bound to a target IMEI and resolves each request
// against that session's FIFO response queue, applying a timeout when
// the device never replies.
package dispatcher

import (
	"context"
	"time"

	"github.com/fleetgrid/telemetry-gateway/internal/gateway/codec"
	"github.com/fleetgrid/telemetry-gateway/internal/gateway/registry"
	"github.com/fleetgrid/telemetry-gateway/internal/gateway/session"
)

// Outcome classifies how a dispatched command resolved.
type Outcome int

const (
	Responded Outcome = iota
	TimedOut
	DeviceNotConnected
	WriteFailed
	SessionGone
)

func (o Outcome) String() string {
	switch o {
	case Responded:
		return "responded"
	case TimedOut:
		return "timed_out"
	case DeviceNotConnected:
		return "device_not_connected"
	case WriteFailed:
		return "write_failed"
	case SessionGone:
		return "session_gone"
	default:
		return "unknown"
	}
}

// Result is what Send returns once a command has resolved one way or
// another.
type Result struct {
	Outcome  Outcome
	Response codec.Codec12ResponseFrame
	Err      error
}

// Dispatcher sends Codec 12 requests to devices by IMEI.
type Dispatcher struct {
	reg *registry.Registry
}

// New builds a Dispatcher over the given session registry.
func New(reg *registry.Registry) *Dispatcher {
	return &Dispatcher{reg: reg}
}

// Send looks up the session bound to imei, hands text off to it, and
// waits up to timeout for a device response. Context cancellation is
// honored in addition to the timeout.
func (d *Dispatcher) Send(ctx context.Context, imei, text string, timeout time.Duration) Result {
	found, ok := d.reg.Lookup(imei)
	if !ok {
		return Result{Outcome: DeviceNotConnected}
	}
	sess, ok := found.(*session.Session)
	if !ok {
		return Result{Outcome: SessionGone}
	}

	ch, err := sess.Enqueue(text)
	if err != nil {
		if err == session.ErrSessionClosing {
			return Result{Outcome: SessionGone, Err: err}
		}
		return Result{Outcome: WriteFailed, Err: err}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case outcome, chOpen := <-ch:
		if !chOpen {
			return Result{Outcome: SessionGone}
		}
		if outcome.Err != nil {
			return Result{Outcome: SessionGone, Err: outcome.Err}
		}
		return Result{Outcome: Responded, Response: outcome.Response}
	case <-timer.C:
		return Result{Outcome: TimedOut}
	case <-ctx.Done():
		return Result{Outcome: TimedOut, Err: ctx.Err()}
	}
}
