// Package config defines the gateway's nested configuration tree and
// loads it the way the rest of the fleet's services do: via
// configulator, which layers defaults, a config file, and environment
// variables, then hands back a typed, validated struct.
package config

import "time"

// Config is the root configuration tree.
type Config struct {
	LogLevel LogLevel `yaml:"log_level" default:"info"`

	Device    Device    `yaml:"device"`
	Admission Admission `yaml:"admission"`
	AllowList AllowList `yaml:"allow_list"`
	MQTT      MQTT      `yaml:"mqtt"`
	Webhook   Webhook   `yaml:"webhook"`
	Metrics   Metrics   `yaml:"metrics"`
	PProf     PProf     `yaml:"pprof"`
	Admin     Admin     `yaml:"admin"`
	Tracing   Tracing   `yaml:"tracing"`
}

// Device configures the TCP listener devices connect to.
type Device struct {
	Bind string `yaml:"bind" default:"[::]"`
	Port int    `yaml:"port" default:"6000"`
	// IdleTimeout closes a session from which no bytes arrive within
	// this window.
	IdleTimeout time.Duration `yaml:"idle_timeout" default:"10m"`
	// MaxPendingCommands bounds how many Codec 12 requests may be
	// in flight to a single device at once.
	MaxPendingCommands int `yaml:"max_pending_commands" default:"8"`
}

// Admission configures connection-rate limiting and soft-banning.
type Admission struct {
	Window               time.Duration `yaml:"window" default:"5m"`
	Attempts             int           `yaml:"attempts" default:"5"`
	BanDuration          time.Duration `yaml:"ban_duration" default:"1h"`
	MaxSessionsPerSource int           `yaml:"max_sessions_per_source" default:"10"`
	SweepInterval        time.Duration `yaml:"sweep_interval" default:"5m"`
	// SourceAllowEnabled gates enforcement of SourceAllowList. When
	// false, every source host may attempt a connection.
	SourceAllowEnabled bool `yaml:"source_allow_enabled" default:"false"`
	// SourceAllowList is the exhaustive set of source hosts (IP, no
	// port) permitted to open a connection when SourceAllowEnabled is
	// true.
	SourceAllowList []string `yaml:"source_allow_list"`
}

// AllowList restricts which IMEIs may bind, independent of source
// admission control.
type AllowList struct {
	Enabled bool     `yaml:"enabled" default:"false"`
	IMEIs   []string `yaml:"imeis"`
}

// MQTT configures the broker the device telemetry and command sink
// publishes to and subscribes from.
type MQTT struct {
	Enabled  bool   `yaml:"enabled" default:"false"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id" default:"telemetry-gateway"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      byte   `yaml:"qos" default:"1"`
}

// Webhook configures the outbound HTTP sink forwarding events to a
// downstream fleet-management system.
type Webhook struct {
	Enabled    bool          `yaml:"enabled" default:"false"`
	URL        string        `yaml:"url"`
	Timeout    time.Duration `yaml:"timeout" default:"5s"`
	MaxWorkers int           `yaml:"max_workers" default:"4"`
	QueueDepth int           `yaml:"queue_depth" default:"256"`
}

// Metrics configures the Prometheus scrape endpoint.
type Metrics struct {
	Enabled      bool   `yaml:"enabled" default:"true"`
	Bind         string `yaml:"bind" default:"[::]"`
	Port         int    `yaml:"port" default:"9090"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// PProf configures the debug profiling endpoint.
type PProf struct {
	Enabled bool   `yaml:"enabled" default:"false"`
	Bind    string `yaml:"bind" default:"127.0.0.1"`
	Port    int    `yaml:"port" default:"6060"`
}

// Admin configures the operator-facing HTTP surface: healthz and the
// manual command-send endpoint.
type Admin struct {
	Enabled bool   `yaml:"enabled" default:"true"`
	Bind    string `yaml:"bind" default:"127.0.0.1"`
	Port    int    `yaml:"port" default:"8080"`
}

// Tracing configures OpenTelemetry span export. An empty OTLPEndpoint
// in Metrics disables tracing regardless of this section.
type Tracing struct {
	ServiceName string `yaml:"service_name" default:"telemetry-gateway"`
}
