// Package webhook forwards AVL records to a downstream fleet-management
// system over HTTP, using a bounded worker pool so a slow or unreachable
// endpoint can never block a device's session goroutine. Modeled on the
// buffered-channel-plus-fixed-worker-count shape of DMRHub's
// outgoingChan/RawOutgoingChan in its mmdvm server.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fleetgrid/telemetry-gateway/internal/gateway/events"
)

// Config configures the destination and worker pool sizing.
type Config struct {
	URL        string
	Timeout    time.Duration
	MaxWorkers int
	QueueDepth int
}

// Forwarder is an events.Sink that POSTs AVL records as JSON. Records
// are queued on a buffered channel; when the queue is full, the oldest
// record is dropped rather than blocking the caller.
type Forwarder struct {
	cfg    Config
	client *http.Client
	log    *slog.Logger
	queue  chan events.AvlRecord

	wg     sync.WaitGroup
	stopCh chan struct{}
}

type payload struct {
	SessionID string    `json:"session_id"`
	IMEI      string    `json:"imei"`
	Timestamp time.Time `json:"timestamp"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Altitude  int16     `json:"altitude"`
	Speed     uint16    `json:"speed"`
	Angle     uint16    `json:"angle"`
	FixValid  bool      `json:"fix_valid"`
}

// New starts the worker pool and returns a ready-to-use Forwarder.
// Call Close to stop the workers.
func New(cfg Config, log *slog.Logger) *Forwarder {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1
	}
	f := &Forwarder{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
		queue:  make(chan events.AvlRecord, cfg.QueueDepth),
		stopCh: make(chan struct{}),
	}
	for i := 0; i < cfg.MaxWorkers; i++ {
		f.wg.Add(1)
		go f.worker()
	}
	return f
}

// Close stops the workers and waits for in-flight deliveries to finish.
// Records still in the queue are not delivered.
func (f *Forwarder) Close() {
	close(f.stopCh)
	f.wg.Wait()
}

func (f *Forwarder) worker() {
	defer f.wg.Done()
	for {
		select {
		case rec := <-f.queue:
			f.deliver(rec)
		case <-f.stopCh:
			return
		}
	}
}

func (f *Forwarder) deliver(e events.AvlRecord) {
	body, err := json.Marshal(payload{
		SessionID: e.SessionID,
		IMEI:      e.IMEI,
		Timestamp: e.Record.Timestamp,
		Latitude:  e.Record.Latitude,
		Longitude: e.Record.Longitude,
		Altitude:  e.Record.Altitude,
		Speed:     e.Record.Speed,
		Angle:     e.Record.Angle,
		FixValid:  e.Record.FixValid,
	})
	if err != nil {
		f.log.Error("webhook: marshal record", "imei", e.IMEI, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.URL, bytes.NewReader(body))
	if err != nil {
		f.log.Error("webhook: build request", "imei", e.IMEI, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		f.log.Warn("webhook: delivery failed", "imei", e.IMEI, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		f.log.Warn("webhook: non-2xx response", "imei", e.IMEI, "status", resp.StatusCode)
	}
}

func (f *Forwarder) SessionOpened(events.SessionOpened) {}
func (f *Forwarder) Authenticated(events.Authenticated) {}

// AvlRecord enqueues the record for delivery, dropping the oldest
// queued record if the queue is full.
func (f *Forwarder) AvlRecord(e events.AvlRecord) {
	select {
	case f.queue <- e:
	default:
		select {
		case <-f.queue:
		default:
		}
		select {
		case f.queue <- e:
		default:
			f.log.Warn("webhook: queue full, dropping record", "imei", e.IMEI)
		}
	}
}

func (f *Forwarder) CommandResponse(events.CommandResponse) {}
func (f *Forwarder) SessionClosed(events.SessionClosed)     {}
