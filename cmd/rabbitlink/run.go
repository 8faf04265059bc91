package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/rabbitlink"
	"github.com/glimte/rabbitlink/config"
	"github.com/glimte/rabbitlink/health"
	"github.com/glimte/rabbitlink/interceptors"
	"github.com/glimte/rabbitlink/internal/actor"
	"github.com/glimte/rabbitlink/internal/metrics"
	"github.com/glimte/rabbitlink/internal/rabbitmq"
	"github.com/glimte/rabbitlink/internal/reliability"
	"github.com/glimte/rabbitlink/internal/telemetry"
)

const (
	shutdownTimeout = 10 * time.Second
	healthTimeout   = 5 * time.Second
)

func newRunCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect and run the connection actor until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, logger, err := flags.load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, settings, logger)
		},
	}
}

func run(ctx context.Context, settings *config.Settings, logger *slog.Logger) error {
	if settings.Observability.TracingEndpoint != "" {
		shutdown, err := telemetry.Init(settings.Telemetry(), logger)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.NewMetrics(reg)
	if err != nil {
		return err
	}

	client, err := rabbitlink.NewClient(settings.AMQPAddr,
		rabbitlink.WithLogger(logger),
		rabbitlink.WithMetrics(m),
		rabbitlink.WithConfig(settings.ActorConfig()),
		rabbitlink.WithRetryPolicy(settings.ReconnectPolicy()),
		rabbitlink.WithConnectionName(settings.ConnectionName),
		rabbitlink.WithDialTimeout(settings.DialTimeout),
		rabbitlink.WithTracerProvider(otel.GetTracerProvider()),
		rabbitlink.WithDeliveryHandler(newDeliveryHandler(settings.Handler, logger)),
	)
	if err != nil {
		return err
	}

	logger.Info("starting rabbitlink",
		"broker", rabbitmq.SanitizeURL(settings.AMQPAddr),
		"exchanges", len(settings.Exchanges),
		"subscriptions", len(settings.Subscriptions),
		"metricsAddress", settings.Metrics.Address)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return client.Run(ctx)
	})

	if settings.Metrics.Address != "" {
		server := newHTTPServer(settings.Metrics.Address, reg, client)

		g.Go(func() error {
			logger.Info("starting metrics server", "address", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})

		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	logger.Info("rabbitlink stopped")
	return err
}

// newDeliveryHandler wraps the logging handler with the configured
// interceptors
func newDeliveryHandler(settings config.HandlerSettings, logger *slog.Logger) actor.DeliveryHandler {
	chain := interceptors.NewChain(logger).
		Add(interceptors.NewLoggingInterceptor(logger))

	if len(settings.RoutingKeys) > 0 {
		chain.Add(interceptors.NewFilteringInterceptor(
			interceptors.RoutingKeyFilter(settings.RoutingKeys...),
			interceptors.SkipWithLog,
			logger,
		))
	}

	if settings.FailureThreshold > 0 {
		breaker := reliability.NewCircuitBreaker(
			reliability.WithFailureThreshold(settings.FailureThreshold),
			reliability.WithCooldown(settings.Cooldown),
			reliability.WithStateChange(func(from, to reliability.State) {
				logger.Warn("delivery handler circuit changed state", "from", from.String(), "to", to.String())
			}),
		)
		chain.Add(interceptors.NewCircuitBreakerInterceptor(breaker))
	}

	if settings.Timeout > 0 {
		chain.Add(interceptors.NewTimeoutInterceptor(settings.Timeout))
	}

	return chain.
		Add(interceptors.NewRecoveryInterceptor(logger)).
		Then(actor.LogHandler(logger))
}

func newHTTPServer(addr string, reg *prometheus.Registry, client *rabbitlink.Client) *http.Server {
	registry := health.NewRegistry()
	registry.SetMetadata("version", version)
	registry.Register(health.NewConnectionChecker(client))
	registry.Register(health.NewActorChecker(client))
	registry.Register(health.NewRuntimeChecker(500, 1000))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		Registry:          reg,
		EnableOpenMetrics: true,
	}))
	mux.Handle("/healthz", health.Handler(registry, healthTimeout))
	mux.Handle("/readyz", health.ReadinessHandler(registry, healthTimeout))
	mux.Handle("/livez", health.LivenessHandler())

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
