package config_test

import (
	"errors"
	"testing"
	"time"

	"github.com/fleetgrid/telemetry-gateway/internal/config"
)

func makeValidConfig() config.Config {
	return config.Config{
		LogLevel: config.LogLevelInfo,
		Device: config.Device{
			Bind: "[::]",
			Port: 6000,
		},
		Admission: config.Admission{
			Window:   time.Minute,
			Attempts: 10,
		},
	}
}

func TestConfigValidateInvalidLogLevel(t *testing.T) {
	t.Parallel()
	c := makeValidConfig()
	c.LogLevel = "invalid"
	if !errors.Is(c.Validate(), config.ErrInvalidLogLevel) {
		t.Errorf("expected ErrInvalidLogLevel, got %v", c.Validate())
	}
}

func TestConfigValidateValid(t *testing.T) {
	t.Parallel()
	c := makeValidConfig()
	if err := c.Validate(); err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
}

func TestDeviceValidateEmptyBind(t *testing.T) {
	t.Parallel()
	d := config.Device{Bind: "", Port: 6000}
	if !errors.Is(d.Validate(), config.ErrInvalidDeviceBind) {
		t.Errorf("expected ErrInvalidDeviceBind, got %v", d.Validate())
	}
}

func TestDeviceValidateInvalidPort(t *testing.T) {
	t.Parallel()
	d := config.Device{Bind: "[::]", Port: 0}
	if !errors.Is(d.Validate(), config.ErrInvalidDevicePort) {
		t.Errorf("expected ErrInvalidDevicePort, got %v", d.Validate())
	}
}

func TestMQTTValidateDisabledSkipsBrokerCheck(t *testing.T) {
	t.Parallel()
	m := config.MQTT{Enabled: false}
	if err := m.Validate(); err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
}

func TestMQTTValidateEnabledRequiresBroker(t *testing.T) {
	t.Parallel()
	m := config.MQTT{Enabled: true}
	if !errors.Is(m.Validate(), config.ErrInvalidMQTTBroker) {
		t.Errorf("expected ErrInvalidMQTTBroker, got %v", m.Validate())
	}
}

func TestWebhookValidateEnabledRequiresURL(t *testing.T) {
	t.Parallel()
	w := config.Webhook{Enabled: true}
	if !errors.Is(w.Validate(), config.ErrInvalidWebhookURL) {
		t.Errorf("expected ErrInvalidWebhookURL, got %v", w.Validate())
	}
}

func TestValidateWithFieldsCollectsMultipleErrors(t *testing.T) {
	t.Parallel()
	c := config.Config{
		LogLevel:  config.LogLevelInfo,
		Device:    config.Device{Bind: "", Port: 0},
		Admission: config.Admission{Window: 0, Attempts: 0},
	}
	errs := c.ValidateWithFields()
	if len(errs) < 2 {
		t.Fatalf("expected at least 2 errors, got %d", len(errs))
	}
}
