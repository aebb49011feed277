// Package mqtt publishes gateway events to a broker and forwards
// inbound command topics into the command dispatcher, using
// eclipse/paho.mqtt.golang the way the broader fleet's telemetry
// agents do.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/fleetgrid/telemetry-gateway/internal/gateway/dispatcher"
	"github.com/fleetgrid/telemetry-gateway/internal/gateway/events"
)

const (
	connectTimeout = 10 * time.Second
	commandTimeout = 10 * time.Second
)

// Config configures the broker connection and topic layout.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// Sink publishes AVL records and lifecycle status to MQTT, and
// forwards inbound `telemetry/<imei>/command` payloads into a
// dispatcher.
type Sink struct {
	client paho.Client
	qos    byte
	disp   *dispatcher.Dispatcher
	log    *slog.Logger
}

// New connects to the broker and subscribes to the command wildcard
// topic. Inbound commands are forwarded to disp.Send.
func New(cfg Config, disp *dispatcher.Dispatcher, log *slog.Logger) (*Sink, error) {
	if log == nil {
		log = slog.Default()
	}
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true)

	s := &Sink{qos: cfg.QoS, disp: disp, log: log}
	opts.SetDefaultPublishHandler(nil)

	client := paho.NewClient(opts)
	if token := client.Connect(); token.WaitTimeout(connectTimeout) && token.Error() != nil {
		return nil, fmt.Errorf("mqtt: connect: %w", token.Error())
	}
	s.client = client

	if token := client.Subscribe("telemetry/+/command", cfg.QoS, s.handleCommand); token.WaitTimeout(connectTimeout) && token.Error() != nil {
		return nil, fmt.Errorf("mqtt: subscribe: %w", token.Error())
	}
	return s, nil
}

// Close disconnects from the broker, waiting up to 250ms for
// in-flight work to drain.
func (s *Sink) Close() {
	if s.client != nil {
		s.client.Disconnect(250)
	}
}

func (s *Sink) handleCommand(_ paho.Client, msg paho.Message) {
	imei, ok := imeiFromTopic(msg.Topic())
	if !ok {
		s.log.Warn("mqtt: command on malformed topic", "topic", msg.Topic())
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	result := s.disp.Send(ctx, imei, string(msg.Payload()), commandTimeout)
	if result.Err != nil {
		s.log.Warn("mqtt: command dispatch failed", "imei", imei, "outcome", result.Outcome.String(), "error", result.Err)
	}
}

func (s *Sink) SessionOpened(events.SessionOpened) {}

func (s *Sink) Authenticated(e events.Authenticated) {
	s.publishStatus(e.IMEI, statusMessage{State: "authenticated", At: e.At})
}

func (s *Sink) AvlRecord(e events.AvlRecord) {
	payload, err := json.Marshal(avlMessage{
		Timestamp:  e.Record.Timestamp,
		Latitude:   e.Record.Latitude,
		Longitude:  e.Record.Longitude,
		Altitude:   e.Record.Altitude,
		Speed:      e.Record.Speed,
		Angle:      e.Record.Angle,
		Satellites: e.Record.Satellites,
		FixValid:   e.Record.FixValid,
	})
	if err != nil {
		s.log.Error("mqtt: marshal avl record", "imei", e.IMEI, "error", err)
		return
	}
	topic := fmt.Sprintf("telemetry/%s/avl", e.IMEI)
	s.client.Publish(topic, s.qos, false, payload)
}

func (s *Sink) CommandResponse(events.CommandResponse) {}

func (s *Sink) SessionClosed(e events.SessionClosed) {
	if e.IMEI == "" {
		return
	}
	s.publishStatus(e.IMEI, statusMessage{State: "closed", Reason: e.Reason, At: e.ClosedAt})
}

func (s *Sink) publishStatus(imei string, msg statusMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("mqtt: marshal status", "imei", imei, "error", err)
		return
	}
	topic := fmt.Sprintf("telemetry/%s/status", imei)
	s.client.Publish(topic, s.qos, true, payload)
}

type statusMessage struct {
	State  string    `json:"state"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

type avlMessage struct {
	Timestamp  time.Time `json:"timestamp"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Altitude   int16     `json:"altitude"`
	Speed      uint16    `json:"speed"`
	Angle      uint16    `json:"angle"`
	Satellites uint8     `json:"satellites"`
	FixValid   bool      `json:"fix_valid"`
}

func imeiFromTopic(topic string) (string, bool) {
	const prefix = "telemetry/"
	const suffix = "/command"
	if len(topic) <= len(prefix)+len(suffix) {
		return "", false
	}
	if topic[:len(prefix)] != prefix || topic[len(topic)-len(suffix):] != suffix {
		return "", false
	}
	return topic[len(prefix) : len(topic)-len(suffix)], true
}
