// Package session implements the per-connection state machine: byte
// accumulation off the wire, frame classification and decoding, the
// handshake, and serialized writes back to the device. One Session runs
// entirely on the goroutine that owns its net.Conn; the only cross-
// goroutine entry point is Enqueue, used by the dispatcher to schedule
// a Codec 12 request onto a session from another goroutine.
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetgrid/telemetry-gateway/internal/gateway/admission"
	"github.com/fleetgrid/telemetry-gateway/internal/gateway/codec"
	"github.com/fleetgrid/telemetry-gateway/internal/gateway/events"
	"github.com/fleetgrid/telemetry-gateway/internal/gateway/imei"
	"github.com/fleetgrid/telemetry-gateway/internal/gateway/registry"
)

// State is the session's position in its lifecycle.
type State int

const (
	Connecting State = iota
	Authenticating
	Streaming
	Closing
	Terminated
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Streaming:
		return "streaming"
	case Closing:
		return "closing"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

const (
	defaultReadBufferCap = 4096
	maxFrameBytes        = 1 << 20
	writeTimeout         = 10 * time.Second
)

// pendingRequest is one outstanding Codec 12 request waiting for a
// device reply, matched strictly FIFO since the wire carries no
// correlation identifier.
type pendingRequest struct {
	text   string
	result chan<- Outcome
}

// Outcome is delivered to whoever enqueued a command once it resolves.
type Outcome struct {
	Response codec.Codec12ResponseFrame
	Err      error
}

var (
	// ErrSessionClosing is returned to a caller that tries to enqueue a
	// command on a session that is already shutting down.
	ErrSessionClosing = errors.New("session: closing")
	// ErrQueueFull is returned when the pending-command queue is at its
	// configured depth.
	ErrQueueFull = errors.New("session: pending command queue full")
)

// Session owns one TCP connection to a device for its entire lifetime.
type Session struct {
	id     string
	conn   net.Conn
	source string
	sink   events.Sink
	reg    *registry.Registry
	adm    *admission.Controller
	allow  imei.AllowList

	maxPending int
	idleAfter  time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	state   State
	imei    string
	pending []pendingRequest
}

// Config carries the pieces a Listener wires into every Session it
// creates.
type Config struct {
	Registry       *registry.Registry
	Admission      *admission.Controller
	Sink           events.Sink
	AllowList      imei.AllowList
	MaxPendingCmds int
	IdleTimeout    time.Duration
}

// New constructs a Session around an accepted connection. The caller
// must invoke Run to actually service it.
func New(conn net.Conn, cfg Config) *Session {
	maxPending := cfg.MaxPendingCmds
	if maxPending <= 0 {
		maxPending = 8
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &Session{
		id:         uuid.NewString(),
		conn:       conn,
		source:     conn.RemoteAddr().String(),
		sink:       cfg.Sink,
		reg:        cfg.Registry,
		adm:        cfg.Admission,
		allow:      cfg.AllowList,
		maxPending: maxPending,
		idleAfter:  idle,
		state:      Connecting,
	}
}

// ID returns the session's unique identifier. Satisfies registry.Session.
func (s *Session) ID() string { return s.id }

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) IMEI() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.imei
}

// Run services the connection until it closes or ctx is canceled. It
// never returns an error the caller must act on; all failures are
// reported through the event sink and by closing the connection.
func (s *Session) Run(ctx context.Context) {
	defer s.close("eof")

	s.sink.SessionOpened(events.SessionOpened{
		SessionID: s.id,
		Source:    s.source,
		OpenedAt:  time.Now(),
	})
	s.setState(Authenticating)

	reader := bufio.NewReaderSize(s.conn, defaultReadBufferCap)
	buf := make([]byte, 0, defaultReadBufferCap)
	chunk := make([]byte, defaultReadBufferCap)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(s.idleAfter))
		n, err := reader.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("session read error", "session", s.id, "imei", s.IMEI(), "error", err)
			}
			return
		}
		if len(buf) > maxFrameBytes {
			slog.Warn("session frame exceeds max size, closing", "session", s.id)
			return
		}

		for {
			consumed, ok := s.consumeOne(buf)
			if !ok {
				break
			}
			buf = buf[consumed:]
		}
	}
}

// consumeOne attempts to classify and act on exactly one frame at the
// front of buf. It returns the number of bytes consumed and whether a
// frame was actually consumed (false means wait for more bytes, or the
// connection was already torn down due to a malformed frame).
func (s *Session) consumeOne(buf []byte) (int, bool) {
	if len(buf) == 0 {
		return 0, false
	}

	switch s.State() {
	case Authenticating:
		return s.consumeHandshake(buf)
	default:
		return s.consumeStreaming(buf)
	}
}

func (s *Session) consumeHandshake(buf []byte) (int, bool) {
	kind := codec.Classify(buf)
	switch kind {
	case codec.NeedMoreBytes:
		return 0, false
	case codec.Handshake:
		id, err := codec.DecodeHandshake(buf)
		consumed := len(buf) // handshake is the entire frame, no trailer
		if err != nil {
			s.rejectHandshake()
			return consumed, true
		}
		s.handleHandshake(id)
		return consumed, true
	default:
		slog.Warn("unexpected frame while authenticating", "session", s.id, "kind", kind.String())
		s.close("protocol_error")
		return 0, false
	}
}

func (s *Session) handleHandshake(id string) {
	result := imei.Validate(id, s.allow)
	if result != imei.Ok {
		slog.Info("handshake rejected", "session", s.id, "imei", id, "reason", result.String())
		s.rejectHandshake()
		return
	}
	if s.adm != nil {
		if d := s.adm.EvaluateBind(s.source, id); d != admission.Allow {
			slog.Info("handshake denied by admission", "session", s.id, "imei", id, "decision", d.String())
			s.rejectHandshake()
			return
		}
	}
	if bindResult := s.reg.Bind(id, s); bindResult == registry.Conflict {
		slog.Info("handshake rejected, imei already bound", "session", s.id, "imei", id)
		s.rejectHandshake()
		return
	}

	s.mu.Lock()
	s.imei = id
	s.state = Streaming
	s.mu.Unlock()

	if err := s.write(codec.EncodeHandshakeReply(true)); err != nil {
		slog.Debug("failed to write handshake accept", "session", s.id, "error", err)
		return
	}
	s.sink.Authenticated(events.Authenticated{SessionID: s.id, IMEI: id, At: time.Now()})
}

func (s *Session) rejectHandshake() {
	_ = s.write(codec.EncodeHandshakeReply(false))
	s.close("handshake_rejected")
}

func (s *Session) consumeStreaming(buf []byte) (int, bool) {
	kind := codec.Classify(buf)
	switch kind {
	case codec.NeedMoreBytes:
		return 0, false
	case codec.AvlBatch:
		return s.consumeAvl(buf)
	case codec.Codec12Response:
		return s.consumeCodec12Response(buf)
	default:
		slog.Warn("malformed frame, closing session", "session", s.id, "imei", s.IMEI())
		s.close("protocol_error")
		return 0, false
	}
}

func (s *Session) consumeAvl(buf []byte) (int, bool) {
	result, err := codec.DecodeAVL(buf)
	if err != nil {
		if errors.Is(err, codec.ErrNeedMoreBytes) {
			return 0, false
		}
		slog.Warn("malformed AVL batch, closing session", "session", s.id, "imei", s.IMEI(), "error", err)
		s.close("protocol_error")
		return 0, false
	}
	if !result.CRCValid {
		slog.Warn("AVL batch CRC mismatch, delivering anyway", "session", s.id, "imei", s.IMEI())
	}

	imeiVal := s.IMEI()
	for _, rec := range result.Records {
		s.sink.AvlRecord(events.AvlRecord{SessionID: s.id, IMEI: imeiVal, Record: rec})
	}

	ack := make([]byte, 4)
	ack[0], ack[1], ack[2] = 0, 0, 0
	ack[3] = byte(result.Quantity1)
	if err := s.write(ack); err != nil {
		slog.Debug("failed to write AVL ack", "session", s.id, "error", err)
	}
	return result.Consumed, true
}

func (s *Session) consumeCodec12Response(buf []byte) (int, bool) {
	resp, consumed, err := codec.DecodeCodec12Response(buf)
	if err != nil {
		if errors.Is(err, codec.ErrNeedMoreBytes) {
			return 0, false
		}
		slog.Warn("malformed codec12 response, closing session", "session", s.id, "imei", s.IMEI(), "error", err)
		s.close("protocol_error")
		return 0, false
	}

	s.mu.Lock()
	var pr pendingRequest
	hasPending := len(s.pending) > 0
	if hasPending {
		pr = s.pending[0]
		s.pending = s.pending[1:]
	}
	s.mu.Unlock()

	if hasPending {
		pr.result <- Outcome{Response: resp}
		close(pr.result)
	}

	s.sink.CommandResponse(events.CommandResponse{
		SessionID:   s.id,
		IMEI:        s.IMEI(),
		Text:        resp.Text,
		CRCValid:    resp.CRCValid,
		Unsolicited: !hasPending,
		At:          time.Now(),
	})
	return consumed, true
}

// Enqueue schedules a Codec 12 request for delivery to the device and
// returns a channel the caller receives exactly one Outcome from. It
// may be called from any goroutine.
func (s *Session) Enqueue(text string) (<-chan Outcome, error) {
	result := make(chan Outcome, 1)

	s.mu.Lock()
	if s.state == Closing || s.state == Terminated {
		s.mu.Unlock()
		return nil, ErrSessionClosing
	}
	if len(s.pending) >= s.maxPending {
		s.mu.Unlock()
		return nil, ErrQueueFull
	}
	s.pending = append(s.pending, pendingRequest{text: text, result: result})
	s.mu.Unlock()

	if err := s.write(codec.EncodeCodec12Request(text)); err != nil {
		s.removePending(result)
		return nil, fmt.Errorf("session: write command: %w", err)
	}
	return result, nil
}

// removePending drops the pending entry whose result channel is ch, if
// it is still queued. Used to undo Enqueue's append on a synchronous
// write failure so a future response can't be misdelivered to a
// request that was never actually sent.
func (s *Session) removePending(ch chan Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, pr := range s.pending {
		if pr.result == ch {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

// write serializes all outbound writes onto a single lock so a
// concurrent Enqueue and AVL ack can never interleave their bytes on
// the wire.
func (s *Session) write(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := s.conn.Write(b)
	return err
}

func (s *Session) close(reason string) {
	s.mu.Lock()
	if s.state == Terminated {
		s.mu.Unlock()
		return
	}
	s.state = Closing
	imeiVal := s.imei
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, pr := range pending {
		pr.result <- Outcome{Err: ErrSessionClosing}
		close(pr.result)
	}

	_ = s.conn.Close()
	if imeiVal != "" {
		s.reg.Unbind(imeiVal, s)
		if s.adm != nil {
			s.adm.Release(s.source, imeiVal)
		}
	}

	s.setState(Terminated)
	s.sink.SessionClosed(events.SessionClosed{
		SessionID: s.id,
		IMEI:      imeiVal,
		Reason:    reason,
		ClosedAt:  time.Now(),
	})
}
