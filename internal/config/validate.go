package config

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidLogLevel = errors.New("invalid log level")

	ErrInvalidDeviceBind = errors.New("device bind address must not be empty")
	ErrInvalidDevicePort = errors.New("device port must be between 1 and 65535")

	ErrInvalidAdmissionWindow   = errors.New("admission window must be positive")
	ErrInvalidAdmissionAttempts = errors.New("admission attempts must be positive")

	ErrInvalidMQTTBroker = errors.New("mqtt broker must be set when mqtt is enabled")

	ErrInvalidWebhookURL = errors.New("webhook url must be set when webhook is enabled")

	ErrInvalidMetricsBind = errors.New("metrics bind address must not be empty when metrics is enabled")
	ErrInvalidMetricsPort = errors.New("metrics port must be between 1 and 65535")

	ErrInvalidPProfBind = errors.New("pprof bind address must not be empty when pprof is enabled")
	ErrInvalidPProfPort = errors.New("pprof port must be between 1 and 65535")

	ErrInvalidAdminBind = errors.New("admin bind address must not be empty when admin is enabled")
	ErrInvalidAdminPort = errors.New("admin port must be between 1 and 65535")
)

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

// Validate checks the entire configuration tree, returning the first
// error encountered.
func (c Config) Validate() error {
	if !c.LogLevel.valid() {
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.LogLevel)
	}
	if err := c.Device.Validate(); err != nil {
		return err
	}
	if err := c.Admission.Validate(); err != nil {
		return err
	}
	if err := c.MQTT.Validate(); err != nil {
		return err
	}
	if err := c.Webhook.Validate(); err != nil {
		return err
	}
	if err := c.Metrics.Validate(); err != nil {
		return err
	}
	if err := c.PProf.Validate(); err != nil {
		return err
	}
	if err := c.Admin.Validate(); err != nil {
		return err
	}
	return nil
}

// ValidateWithFields runs every sub-validator and collects all errors
// instead of stopping at the first, for surfacing to an operator in one
// pass.
func (c Config) ValidateWithFields() []error {
	var errs []error
	checks := []func() error{
		func() error { return c.Device.Validate() },
		func() error { return c.Admission.Validate() },
		func() error { return c.MQTT.Validate() },
		func() error { return c.Webhook.Validate() },
		func() error { return c.Metrics.Validate() },
		func() error { return c.PProf.Validate() },
		func() error { return c.Admin.Validate() },
	}
	for _, check := range checks {
		if err := check(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (d Device) Validate() error {
	if d.Bind == "" {
		return ErrInvalidDeviceBind
	}
	if !validPort(d.Port) {
		return ErrInvalidDevicePort
	}
	return nil
}

func (a Admission) Validate() error {
	if a.Window <= 0 {
		return ErrInvalidAdmissionWindow
	}
	if a.Attempts <= 0 {
		return ErrInvalidAdmissionAttempts
	}
	return nil
}

func (m MQTT) Validate() error {
	if !m.Enabled {
		return nil
	}
	if m.Broker == "" {
		return ErrInvalidMQTTBroker
	}
	return nil
}

func (w Webhook) Validate() error {
	if !w.Enabled {
		return nil
	}
	if w.URL == "" {
		return ErrInvalidWebhookURL
	}
	return nil
}

func (m Metrics) Validate() error {
	if !m.Enabled {
		return nil
	}
	if m.Bind == "" {
		return ErrInvalidMetricsBind
	}
	if !validPort(m.Port) {
		return ErrInvalidMetricsPort
	}
	return nil
}

func (p PProf) Validate() error {
	if !p.Enabled {
		return nil
	}
	if p.Bind == "" {
		return ErrInvalidPProfBind
	}
	if !validPort(p.Port) {
		return ErrInvalidPProfPort
	}
	return nil
}

func (a Admin) Validate() error {
	if !a.Enabled {
		return nil
	}
	if a.Bind == "" {
		return ErrInvalidAdminBind
	}
	if !validPort(a.Port) {
		return ErrInvalidAdminPort
	}
	return nil
}
