package cmd

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/USA-RedDragon/configulator"
	"github.com/go-co-op/gocron/v2"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/ztrue/shutdown"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/fleetgrid/telemetry-gateway/internal/adminhttp"
	"github.com/fleetgrid/telemetry-gateway/internal/config"
	"github.com/fleetgrid/telemetry-gateway/internal/gateway/admission"
	"github.com/fleetgrid/telemetry-gateway/internal/gateway/dispatcher"
	"github.com/fleetgrid/telemetry-gateway/internal/gateway/events"
	"github.com/fleetgrid/telemetry-gateway/internal/gateway/listener"
	"github.com/fleetgrid/telemetry-gateway/internal/gateway/registry"
	"github.com/fleetgrid/telemetry-gateway/internal/metrics"
	"github.com/fleetgrid/telemetry-gateway/internal/pprof"
	"github.com/fleetgrid/telemetry-gateway/internal/sink/broadcast"
	"github.com/fleetgrid/telemetry-gateway/internal/sink/logsink"
	"github.com/fleetgrid/telemetry-gateway/internal/sink/mqtt"
	"github.com/fleetgrid/telemetry-gateway/internal/sink/webhook"
)

// NewCommand builds the gateway's root cobra command.
func NewCommand(version, commit string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "telemetry-gateway",
		Version: fmt.Sprintf("%s - %s", version, commit),
		Annotations: map[string]string{
			"version": version,
			"commit":  commit,
		},
		RunE:              runRoot,
		SilenceErrors:     true,
		DisableAutoGenTag: true,
	}
	return cmd
}

func runRoot(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	fmt.Printf("telemetry-gateway - %s (%s)\n", cmd.Annotations["version"], cmd.Annotations["commit"])

	c, err := configulator.FromContext[config.Config](ctx)
	if err != nil {
		return fmt.Errorf("failed to get config from context: %w", err)
	}

	cfg, err := c.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	instanceID, err := generateInstanceID()
	if err != nil {
		return fmt.Errorf("failed to generate instance id: %w", err)
	}

	logger := newLogger(cfg.LogLevel).With("instance_id", instanceID)
	slog.SetDefault(logger)

	var cleanup func(context.Context) error
	if cfg.Metrics.OTLPEndpoint != "" {
		cleanup = initTracer(cfg)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := cleanup(shutdownCtx); err != nil {
				slog.Error("failed to shut down tracer", "error", err)
			}
		}()
	}

	mtr := metrics.New()

	reg := registry.New()
	adm := admission.New(admission.Config{
		Window:               cfg.Admission.Window,
		Attempts:             cfg.Admission.Attempts,
		BanDuration:          cfg.Admission.BanDuration,
		MaxSessionsPerSource: cfg.Admission.MaxSessionsPerSource,
		AllowedSources:       sourceAllowSet(cfg.Admission),
	})
	disp := dispatcher.New(reg)
	allowList := cfg.AllowList.Set()

	sinks := events.Fanout{logsink.New(logger), metrics.NewSink(mtr)}

	bcast := broadcast.New(0)
	sinks = append(sinks, bcast)

	if cfg.MQTT.Enabled {
		mqttSink, err := mqtt.New(mqtt.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			QoS:      cfg.MQTT.QoS,
		}, disp, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to mqtt broker: %w", err)
		}
		defer mqttSink.Close()
		sinks = append(sinks, mqttSink)
	}

	if cfg.Webhook.Enabled {
		webhookSink := webhook.New(webhook.Config{
			URL:        cfg.Webhook.URL,
			Timeout:    cfg.Webhook.Timeout,
			MaxWorkers: cfg.Webhook.MaxWorkers,
			QueueDepth: cfg.Webhook.QueueDepth,
		}, logger)
		defer webhookSink.Close()
		sinks = append(sinks, webhookSink)
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(cfg.Admission.SweepInterval),
		gocron.NewTask(func() {
			evicted := adm.Sweep(time.Now().Add(-cfg.Admission.SweepInterval))
			if evicted > 0 {
				slog.Debug("admission sweep evicted idle sources", "count", evicted)
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule admission sweep: %w", err)
	}
	scheduler.Start()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	lst := listener.New(listener.Config{
		Addr:           fmt.Sprintf("%s:%d", cfg.Device.Bind, cfg.Device.Port),
		Registry:       reg,
		Admission:      adm,
		AllowList:      allowList,
		Sink:           sinks,
		MaxPendingCmds: cfg.Device.MaxPendingCommands,
		IdleTimeout:    cfg.Device.IdleTimeout,
		Metrics:        mtr,
	})
	g.Go(func() error {
		return lst.Run(gctx)
	})

	g.Go(func() error {
		return metrics.CreateMetricsServer(gctx, cfg.Metrics)
	})
	g.Go(func() error {
		return pprof.CreatePProfServer(gctx, cfg.PProf)
	})
	g.Go(func() error {
		return adminhttp.Run(gctx, cfg.Admin, disp, adm, allowList, logger)
	})

	stop := func(sig os.Signal) {
		slog.Warn("shutting down due to signal", "signal", sig)
		cancel()

		wg := new(sync.WaitGroup)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := scheduler.StopJobs(); err != nil {
				slog.Error("failed to stop scheduler jobs", "error", err)
			}
			if err := scheduler.Shutdown(); err != nil {
				slog.Error("failed to shut down scheduler", "error", err)
			}
		}()

		done := make(chan struct{})
		go func() {
			defer close(done)
			wg.Wait()
			_ = g.Wait()
		}()

		const shutdownTimeout = 10 * time.Second
		select {
		case <-done:
			slog.Info("shutdown complete")
			os.Exit(0)
		case <-time.After(shutdownTimeout):
			slog.Error("shutdown timed out")
			os.Exit(1)
		}
	}

	shutdown.AddWithParam(stop)
	shutdown.Listen(syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)

	return nil
}

// sourceAllowSet builds the admission controller's allowed-source set
// from config, nil when the list is disabled so every source host is
// permitted.
func sourceAllowSet(cfg config.Admission) map[string]struct{} {
	if !cfg.SourceAllowEnabled || len(cfg.SourceAllowList) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(cfg.SourceAllowList))
	for _, host := range cfg.SourceAllowList {
		set[host] = struct{}{}
	}
	return set
}

// generateInstanceID returns a random hex identifier stamping this
// process's logs, distinguishing gateway instances in aggregated output.
func generateInstanceID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random instance id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func newLogger(level config.LogLevel) *slog.Logger {
	switch level {
	case config.LogLevelDebug:
		return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelDebug}))
	case config.LogLevelWarn:
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelWarn}))
	case config.LogLevelError:
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelError}))
	default:
		return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelInfo}))
	}
}

func initTracer(cfg *config.Config) func(context.Context) error {
	exporter, err := otlptrace.New(
		context.Background(),
		otlptracegrpc.NewClient(
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithEndpoint(cfg.Metrics.OTLPEndpoint),
		),
	)
	if err != nil {
		slog.Error("failed to build trace exporter", "error", err)
	}
	resources, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", cfg.Tracing.ServiceName),
			attribute.String("library.language", "go"),
		),
	)
	if err != nil {
		slog.Error("failed to build trace resource", "error", err)
	}

	otel.SetTracerProvider(
		sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(resources),
		),
	)
	return exporter.Shutdown
}
