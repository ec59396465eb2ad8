package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	sloglogrus "github.com/samber/slog-logrus/v2"
	slogmulti "github.com/samber/slog-multi"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/exporters/autoexport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	logglobal "go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"golang.org/x/sync/errgroup"
)

// Client owns the OTLP providers installed as otel globals by Setup.
type Client struct {
	log *slog.Logger

	tracerProvider *trace.TracerProvider
	metricProvider *metric.MeterProvider
	loggerProvider *log.LoggerProvider
}

type Config struct {
	ServiceName string
	// OTLP/HTTP collector host:port
	Endpoint string
	Insecure bool
}

func (client *Client) Flush(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if client.metricProvider != nil {
		g.Go(func() error {
			return client.metricProvider.ForceFlush(ctx)
		})
	}
	if client.loggerProvider != nil {
		g.Go(func() error {
			return client.loggerProvider.ForceFlush(ctx)
		})
	}
	if client.tracerProvider != nil {
		g.Go(func() error {
			return client.tracerProvider.ForceFlush(ctx)
		})
	}

	return g.Wait()
}

func (client *Client) Shutdown(ctx context.Context) error {
	var errs []error
	if client.metricProvider != nil {
		if err := client.metricProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("error shutting down metric provider: %w", err))
		}
	}
	if client.tracerProvider != nil {
		if err := client.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("error shutting down tracer provider: %w", err))
		}
	}
	if client.loggerProvider != nil {
		if err := client.loggerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("error shutting down logger provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Setup installs the otel meter, tracer and logger providers and replaces the
// default slog logger with a fanout to logrus and otel. Metrics always carry a
// Prometheus reader for the /metrics route. With an Endpoint every signal is
// sent to that OTLP/HTTP collector, otherwise exporters come from the standard
// OTEL_*_EXPORTER environment variables and default to none.
func Setup(ctx context.Context, config Config) (*Client, error) {
	client := &Client{
		log: slog.With("component", "telemetry"),
	}
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(cause error) {
		client.log.ErrorContext(ctx, "otel error", "error", cause.Error())
	}))

	hostName, _ := os.Hostname()

	r, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.HostName(hostName),
			semconv.ServiceInstanceID(uuid.NewString()),
		),
	)
	if err != nil {
		return nil, err
	}

	var exp exporters
	if config.Endpoint != "" {
		exp, err = otlpExporters(ctx, config)
	} else {
		exp, err = envExporters(ctx)
	}
	if err != nil {
		return nil, err
	}

	promExporter, err := prometheus.New(prometheus.WithNamespace(config.ServiceName))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize prometheus exporter: %w", err)
	}
	client.metricProvider = metric.NewMeterProvider(
		metric.WithResource(r),
		metric.WithReader(exp.metrics),
		metric.WithReader(promExporter),
	)
	otel.SetMeterProvider(client.metricProvider)

	up, err := otel.Meter(config.ServiceName + "/telemetry").Int64Counter("up")
	if err != nil {
		return nil, err
	}
	up.Add(ctx, 1)
	client.log.InfoContext(ctx, "metrics provider initialized")

	client.tracerProvider = trace.NewTracerProvider(
		trace.WithResource(r),
		trace.WithBatcher(exp.spans, trace.WithExportTimeout(time.Second)),
	)
	otel.SetTracerProvider(client.tracerProvider)
	client.log.InfoContext(ctx, "tracing provider initialized")

	client.loggerProvider = log.NewLoggerProvider(
		log.WithResource(r),
		log.WithProcessor(log.NewBatchProcessor(exp.logs, log.WithExportInterval(time.Second))),
	)
	logglobal.SetLoggerProvider(client.loggerProvider)

	slog.SetDefault(slog.New(slogmulti.Fanout(
		otelslog.NewHandler(config.ServiceName, otelslog.WithLoggerProvider(client.loggerProvider)),
		sloglogrus.Option{Level: slog.LevelDebug, Logger: logrus.StandardLogger()}.NewLogrusHandler(),
	)))

	// recreate telemetry logger on top of the new default
	client.log = slog.With("component", "telemetry")
	client.log.InfoContext(ctx, "logger provider initialized")

	return client, nil
}

type exporters struct {
	metrics metric.Reader
	spans   trace.SpanExporter
	logs    log.Exporter
}

func otlpExporters(ctx context.Context, config Config) (exporters, error) {
	metricOpts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(config.Endpoint),
		otlpmetrichttp.WithRetry(otlpmetrichttp.RetryConfig{Enabled: false}),
	}
	traceOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(config.Endpoint),
		otlptracehttp.WithRetry(otlptracehttp.RetryConfig{Enabled: false}),
	}
	logOpts := []otlploghttp.Option{
		otlploghttp.WithEndpoint(config.Endpoint),
		otlploghttp.WithRetry(otlploghttp.RetryConfig{Enabled: false}),
	}
	if config.Insecure {
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
		logOpts = append(logOpts, otlploghttp.WithInsecure())
	}

	metricExporter, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return exporters{}, fmt.Errorf("failed to initialize metric exporter: %w", err)
	}
	traceExporter, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return exporters{}, fmt.Errorf("failed to initialize trace exporter: %w", err)
	}
	logExporter, err := otlploghttp.New(ctx, logOpts...)
	if err != nil {
		return exporters{}, fmt.Errorf("failed to initialize log exporter: %w", err)
	}

	return exporters{
		metrics: metric.NewPeriodicReader(metricExporter),
		spans:   traceExporter,
		logs:    logExporter,
	}, nil
}

// autoexport targets an OTLP collector on localhost when nothing is set,
// which is never what a local run wants.
var envDefaults = map[string]string{
	"OTEL_TRACES_EXPORTER":  "none",
	"OTEL_LOGS_EXPORTER":    "none",
	"OTEL_METRICS_EXPORTER": "none",
}

func envExporters(ctx context.Context) (exporters, error) {
	for key, value := range envDefaults {
		if _, ok := os.LookupEnv(key); !ok {
			os.Setenv(key, value)
		}
	}

	metricReader, err := autoexport.NewMetricReader(ctx)
	if err != nil {
		return exporters{}, fmt.Errorf("failed to initialize metric exporter: %w", err)
	}
	spanExporter, err := autoexport.NewSpanExporter(ctx)
	if err != nil {
		return exporters{}, fmt.Errorf("failed to initialize trace exporter: %w", err)
	}
	logExporter, err := autoexport.NewLogExporter(ctx)
	if err != nil {
		return exporters{}, fmt.Errorf("failed to initialize log exporter: %w", err)
	}

	return exporters{
		metrics: metricReader,
		spans:   spanExporter,
		logs:    logExporter,
	}, nil
}
