package main

import (
	"context"
	"errors"
	"fmt"
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
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"golang.org/x/sync/errgroup"

	"github.com/tailored-agentic-units/fabric/config"
	"github.com/tailored-agentic-units/fabric/middleware"
	"github.com/tailored-agentic-units/fabric/registry"
	"github.com/tailored-agentic-units/fabric/state"
	"github.com/tailored-agentic-units/fabric/store"
	"github.com/tailored-agentic-units/fabric/taskqueue"
	"github.com/tailored-agentic-units/fabric/transport"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the fabric daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, verbose)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "fabric.yaml", "path to config file")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	return cmd
}

func serve(parent context.Context, cfg config.Config, verbose bool) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		shutdown, err := setupTracing(ctx, cfg.Tracing)
		if err != nil {
			return fmt.Errorf("setup tracing: %w", err)
		}
		defer shutdown()
	}

	kv, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer kv.Close()

	local, err := transport.New(ctx, cfg.Transport, transport.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	bus, err := decorate(local, cfg, promRegistry)
	if err != nil {
		return err
	}
	defer bus.Close()

	stateStore, err := state.New(ctx, kv, bus, cfg.State, state.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create state store: %w", err)
	}
	defer stateStore.Close()

	queue, err := taskqueue.New(kv, bus, cfg.Queue, taskqueue.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create task queue: %w", err)
	}

	agents, err := registry.New(ctx, cfg.Registry, registry.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create registry: %w", err)
	}
	defer agents.Close()

	logger.InfoContext(ctx, "fabricd started",
		slog.String("transport", cfg.Transport.Name),
		slog.String("store", cfg.Store.Driver),
		slog.Bool("auth", cfg.Security.AuthEnabled),
		slog.Bool("metrics", cfg.Metrics.Enabled),
		slog.Bool("tracing", cfg.Tracing.Enabled),
	)

	group, groupCtx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		group.Go(func() error {
			return serveMetrics(groupCtx, cfg.Metrics, promRegistry, logger)
		})
	}

	group.Go(func() error {
		reportStats(groupCtx, queue, agents, logger)
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		logger.InfoContext(context.Background(), "fabricd shutting down")
		return nil
	})

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// decorate stacks the configured middleware around the local transport:
// metrics outermost so rejections are counted, then auth, then rate limits.
func decorate(local transport.Transport, cfg config.Config, promRegistry prometheus.Registerer) (transport.Transport, error) {
	var decorators []middleware.Decorator

	if cfg.Metrics.Enabled {
		decorators = append(decorators, middleware.Instrument(middleware.MustNewMetrics(promRegistry)))
	}
	if cfg.Tracing.Enabled {
		decorators = append(decorators, middleware.Tracing())
	}
	if cfg.Security.AuthEnabled {
		provider, err := middleware.NewHMACProvider(cfg.Security.Secret, cfg.Security.TokenTTL.Std())
		if err != nil {
			return nil, fmt.Errorf("create token provider: %w", err)
		}
		decorators = append(decorators, middleware.Auth(provider))
	}
	if cfg.Security.RequestsPerSecond > 0 {
		decorators = append(decorators, middleware.RateLimit(
			cfg.Security.RequestsPerSecond,
			cfg.Security.Burst,
			cfg.Security.LimiterTTL.Std(),
		))
	}

	return middleware.Chain(local, decorators...), nil
}

// reportStats logs queue and registry occupancy periodically so an operator
// tailing the daemon sees the fabric's shape without scraping metrics.
func reportStats(ctx context.Context, queue *taskqueue.Queue, agents *registry.Registry, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending, err := queue.List(ctx, taskqueue.StatusPending, taskqueue.StatusBlocked)
			if err != nil {
				logger.WarnContext(ctx, "queue stats unavailable", slog.String("error", err.Error()))
				continue
			}
			logger.InfoContext(ctx, "fabric stats",
				slog.Int("tasks_waiting", len(pending)),
				slog.Int("agents", len(agents.List(ctx))),
			)
		}
	}
}

func openStore(cfg config.StoreConfig) (store.KV, error) {
	switch cfg.Driver {
	case "", "memory":
		return store.NewMemory(), nil
	case "sqlite":
		if cfg.Path == "" {
			return nil, errors.New("store.path is required for the sqlite driver")
		}
		return store.OpenSQLite(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func serveMetrics(ctx context.Context, cfg config.MetricsConfig, registry *prometheus.Registry, logger *slog.Logger) error {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.InfoContext(ctx, "metrics endpoint listening", slog.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func setupTracing(ctx context.Context, cfg config.TracingConfig) (func(), error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithInsecure()}
	if cfg.OTLPEndpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	res, err := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(provider)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}, nil
}
