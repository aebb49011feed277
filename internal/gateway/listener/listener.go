// Package listener runs the TCP accept loop: one goroutine per accepted
// connection, each running its own session.Session after admission
// control clears the peer to proceed.
package listener

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/fleetgrid/telemetry-gateway/internal/gateway/admission"
	"github.com/fleetgrid/telemetry-gateway/internal/gateway/events"
	"github.com/fleetgrid/telemetry-gateway/internal/gateway/imei"
	"github.com/fleetgrid/telemetry-gateway/internal/gateway/registry"
	"github.com/fleetgrid/telemetry-gateway/internal/gateway/session"
	"github.com/fleetgrid/telemetry-gateway/internal/metrics"
)

// Listener accepts device connections on a single TCP bind.
type Listener struct {
	addr        string
	registry    *registry.Registry
	admission   *admission.Controller
	allowList   imei.AllowList
	sink        events.Sink
	maxPending  int
	idleTimeout time.Duration
	metrics     *metrics.Metrics

	mu       sync.Mutex
	boundAt  net.Addr
	readyErr error
	ready    chan struct{}
}

// Config carries everything a Listener needs to construct sessions.
type Config struct {
	Addr           string
	Registry       *registry.Registry
	Admission      *admission.Controller
	AllowList      imei.AllowList
	Sink           events.Sink
	MaxPendingCmds int
	IdleTimeout    time.Duration
	// Metrics is optional; when nil, admission and session-count
	// metrics are simply not recorded.
	Metrics *metrics.Metrics
}

// New builds a Listener. It does not bind a socket until Run is called.
func New(cfg Config) *Listener {
	return &Listener{
		addr:        cfg.Addr,
		registry:    cfg.Registry,
		admission:   cfg.Admission,
		allowList:   cfg.AllowList,
		sink:        cfg.Sink,
		maxPending:  cfg.MaxPendingCmds,
		idleTimeout: cfg.IdleTimeout,
		metrics:     cfg.Metrics,
		ready:       make(chan struct{}),
	}
}

// Addr blocks until the listener has bound a socket (or failed to) and
// returns the bound address. Intended for tests that bind an ephemeral
// port (":0") and need to learn which one was chosen.
func (l *Listener) Addr() (net.Addr, error) {
	<-l.ready
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.boundAt, l.readyErr
}

// Run binds the configured address and accepts connections until ctx
// is canceled, at which point the listener socket is closed and Run
// returns nil. A bind failure is returned; any other accept failure is
// logged and the accept loop continues.
func (l *Listener) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", l.addr)

	l.mu.Lock()
	if err == nil {
		l.boundAt = ln.Addr()
	}
	l.readyErr = err
	l.mu.Unlock()
	close(l.ready)

	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	slog.Info("listener started", "addr", l.addr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Error("accept failed", "error", err)
			continue
		}

		if l.admission != nil {
			if d := l.admission.EvaluateOpen(conn.RemoteAddr().String()); d != admission.Allow {
				slog.Info("connection denied by admission", "source", conn.RemoteAddr().String(), "decision", d.String())
				if l.metrics != nil {
					l.metrics.AdmissionDecisions.WithLabelValues(d.String()).Inc()
				}
				_ = conn.Close()
				continue
			}
			if l.metrics != nil {
				l.metrics.AdmissionDecisions.WithLabelValues(admission.Allow.String()).Inc()
			}
		}

		if l.metrics != nil {
			l.metrics.SessionsOpenedTotal.Inc()
		}

		sess := session.New(conn, session.Config{
			Registry:       l.registry,
			Admission:      l.admission,
			Sink:           l.sink,
			AllowList:      l.allowList,
			MaxPendingCmds: l.maxPending,
			IdleTimeout:    l.idleTimeout,
		})
		go sess.Run(ctx)
	}
}
