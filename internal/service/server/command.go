package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"

	api "github.com/oshokin/alarm-engine/internal/api/grpc/alarm"
	"github.com/oshokin/alarm-engine/internal/api/web"
	"github.com/oshokin/alarm-engine/internal/backend"
	"github.com/oshokin/alarm-engine/internal/config"
	domain "github.com/oshokin/alarm-engine/internal/domain/alarm"
	"github.com/oshokin/alarm-engine/internal/logger"
	"github.com/oshokin/alarm-engine/internal/repository/outbox"
	"github.com/oshokin/alarm-engine/internal/telemetry"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Options controls the alarm-engine process and configuration.
type Options struct {
	// ConfigPath specifies the path to settings YAML file.
	ConfigPath string
	// GRPCAddress overrides the gRPC listen address from the config.
	GRPCAddress string
	// HTTPAddress overrides the HTTP listen address from the config.
	HTTPAddress string
	// LogLevel overrides the log level from the config.
	LogLevel string
}

// transport is the telemetry transport the process drives.
type transport interface {
	Connect(ctx context.Context) error
	Close()
}

// ErrUnknownLogLevel is returned for a log level that does not parse.
var ErrUnknownLogLevel = errors.New("unknown log level")

// Run starts the engine and its APIs and blocks until ctx is cancelled.
func Run(ctx context.Context, opts *Options) error {
	settings, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	if err = applyOverrides(settings, opts); err != nil {
		return err
	}

	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "alarm-engine")

	telemetryStore := telemetry.NewStore(telemetry.DefaultHistory)

	// The transport needs the tick callback before the service exists.
	var svc *service

	mqttTransport, err := telemetry.NewMQTTTransport(transportContext(ctx, settings.MQTT.LogLevel),
		telemetry.MQTTOptions{
			Broker:         settings.MQTT.Broker,
			ClientID:       settings.MQTT.ClientID,
			Username:       settings.MQTT.Username,
			Password:       settings.MQTT.Password,
			QoS:            settings.MQTT.QoS,
			ConnectTimeout: settings.Timeout,
		},
		telemetryStore,
		func(channelID string) { svc.engine.HandleTick(ctx, channelID) })
	if err != nil {
		return fmt.Errorf("create telemetry transport: %w", err)
	}

	svc, err = build(ctx, settings, telemetryStore.LatestView(), mqttTransport)
	if err != nil {
		return err
	}

	return serve(ctx, settings, svc, mqttTransport)
}

// transportContext pins the transport logger to level when one is configured.
func transportContext(ctx context.Context, level string) context.Context {
	parsed, ok := logger.ParseLogLevel(level)
	if !ok {
		return ctx
	}

	return logger.ToContext(ctx, logger.Scoped(logger.FromContext(ctx), parsed))
}

// build creates the backend client, the outbox and the service.
func build(
	ctx context.Context,
	settings *config.Config,
	source telemetry.Source,
	subscriber telemetry.Subscriber,
) (*service, error) {
	client, err := backend.New(settings.Backend.BaseURL,
		domain.Session{AccountID: settings.AccountID},
		backend.WithTimeout(settings.Backend.Timeout),
		backend.WithRetryCount(settings.Backend.RetryCount))
	if err != nil {
		return nil, fmt.Errorf("create backend client: %w", err)
	}

	queue, err := outbox.New(ctx, settings.Outbox)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}

	svc := newService(ctx, settings, client, source, subscriber, queue)
	svc.outbox = queue

	return svc, nil
}

// serve runs every long-lived part of the process until ctx is done.
func serve(ctx context.Context, settings *config.Config, svc *service, tr transport) error {
	defer svc.close()

	lc := net.ListenConfig{}

	grpcListener, err := lc.Listen(ctx, "tcp", settings.GRPCAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", settings.GRPCAddress, err)
	}

	grpcServer := grpc.NewServer()
	api.Register(grpcServer, api.NewServer(svc))

	webServer := web.NewServer(ctx,
		web.WithHealth(func() map[string]any {
			return map[string]any{
				"active_rules":    len(svc.dispatcher.ActiveRuleIDs()),
				"tracked_rules":   len(svc.engine.Statuses()),
				"pending_digests": svc.dispatcher.PendingEntries(),
			}
		}),
		web.WithCheckOrigin(web.AllowOrigins(settings.AllowedOrigins)))

	var httpServer *http.Server
	if settings.HTTPAddress != "" {
		httpServer = &http.Server{
			Addr:              settings.HTTPAddress,
			Handler:           webServer.Handler(),
			ReadHeaderTimeout: readHeaderTimeout,
		}
	}

	// Rules must be known before telemetry arrives.
	_ = svc.reload(ctx)

	connectCtx, cancel := context.WithTimeout(ctx, settings.Timeout)
	err = tr.Connect(connectCtx)

	cancel()

	if err != nil {
		_ = grpcListener.Close()

		return fmt.Errorf("connect telemetry: %w", err)
	}

	defer tr.Close()

	var wg sync.WaitGroup

	wg.Go(func() { _ = svc.dispatcher.Run(ctx) })
	wg.Go(func() { webServer.Run(ctx, svc.dispatcher.Toasts()) })
	wg.Go(func() { svc.keepFresh(ctx) })

	if httpServer != nil {
		wg.Go(func() {
			logger.InfoKV(ctx, "HTTP server listening", "listen_address", settings.HTTPAddress)

			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.ErrorKV(ctx, "HTTP server failed", "error", err)
			}
		})
	}

	logger.InfoKV(ctx, "Alarm engine listening",
		"listen_address", settings.GRPCAddress, "account_id", settings.AccountID)

	// Done channel is closed after GracefulStop finishes to ensure we block
	// until the server fully stops before returning.
	done := make(chan struct{})

	go func() {
		<-ctx.Done()
		logger.Info(ctx, "Shutting down")

		stopGRPC(grpcServer)

		if httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()

			_ = httpServer.Shutdown(shutdownCtx)
		}

		close(done)
	}()

	if err = grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve gRPC: %w", err)
	}

	<-done
	wg.Wait()

	if svc.outbox != nil {
		if err = svc.outbox.Close(); err != nil {
			logger.WarnKV(ctx, "Unable to close outbox", "error", err)
		}
	}

	logger.Info(ctx, "Alarm engine stopped")

	return nil
}

// stopGRPC waits for in-flight calls; open event streams only end on Stop.
func stopGRPC(server *grpc.Server) {
	stopped := make(chan struct{})

	go func() {
		server.GracefulStop()
		close(stopped)
	}()

	timer := time.NewTimer(shutdownTimeout)
	defer timer.Stop()

	select {
	case <-stopped:
	case <-timer.C:
		server.Stop()
		<-stopped
	}
}

// applyOverrides applies command line values on top of the loaded settings
// and configures the global logger.
func applyOverrides(settings *config.Config, opts *Options) error {
	if opts.GRPCAddress != "" {
		settings.GRPCAddress = opts.GRPCAddress
	}

	if opts.HTTPAddress != "" {
		settings.HTTPAddress = opts.HTTPAddress
	}

	if opts.LogLevel != "" {
		settings.LogLevel = opts.LogLevel
	}

	if settings.LogLevel != "" {
		parsed, ok := logger.ParseLogLevel(settings.LogLevel)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownLogLevel, settings.LogLevel)
		}

		logger.SetLevel(parsed)
	}

	if settings.LogFormat != "" {
		logger.SetLogger(logger.New(nil, logger.ParseFormat(settings.LogFormat)))
	}

	return nil
}
