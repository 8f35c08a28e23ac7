// Package telemetry installs the process tracer provider. Spans go to an OTLP
// collector when an exporter can be built and to a console writer otherwise.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	// ServiceName is reported as service.name.
	ServiceName = "connectauth"
	// DefaultEndpoint is the local collector used when nothing else is configured.
	DefaultEndpoint = "http://localhost:4318"

	envEndpoint    = "OTEL_EXPORTER_OTLP_ENDPOINT"
	envCertificate = "OTEL_EXPORTER_OTLP_CERTIFICATE"
	envEnvironment = "CONNECTAUTH_ENV"

	flushInterval = 5 * time.Second
	maxBatch      = 512
)

var newExporter = otlpExporter

// Options configures Init.
type Options struct {
	// Endpoint comes from config. OTEL_EXPORTER_OTLP_ENDPOINT overrides it.
	Endpoint string
	// Version is reported as service.version. Empty means "dev".
	Version string
	// Fallback receives a console rendering of every span when the OTLP
	// exporter cannot be built. Nil turns that failure into an error.
	Fallback io.Writer
	// Disabled installs a provider that exports nothing.
	Disabled bool
}

// Init sets the global tracer provider and returns its flush-and-stop func.
func Init(ctx context.Context, opts Options) (func(), error) {
	providerOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(serviceResource(opts.Version))}

	if !opts.Disabled {
		exporter, err := pickExporter(ctx, opts)
		if err != nil {
			return nil, err
		}
		providerOpts = append(providerOpts, sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(flushInterval),
			sdktrace.WithMaxExportBatchSize(maxBatch),
		))
	}

	provider := sdktrace.NewTracerProvider(providerOpts...)
	otel.SetTracerProvider(provider)

	var once sync.Once
	return func() {
		once.Do(func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), flushInterval)
			defer cancel()
			if err := provider.Shutdown(stopCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
				otel.Handle(err)
			}
		})
	}, nil
}

func pickExporter(ctx context.Context, opts Options) (sdktrace.SpanExporter, error) {
	endpoint := endpointFor(opts.Endpoint)
	exporter, err := newExporter(ctx, endpoint)
	if err == nil {
		return exporter, nil
	}
	if opts.Fallback == nil {
		return nil, fmt.Errorf("otlp exporter for %s: %w", endpoint, err)
	}
	fmt.Fprintf(opts.Fallback, "warning: otlp exporter for %s unavailable (%v); printing spans instead\n", endpoint, err)
	return &consoleExporter{out: opts.Fallback}, nil
}

func serviceResource(version string) *resource.Resource {
	version = strings.TrimSpace(version)
	if version == "" {
		version = "dev"
	}
	attrs := []attribute.KeyValue{
		attribute.String("service.name", ServiceName),
		attribute.String("service.version", version),
		attribute.String("deployment.environment", environment()),
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		attrs = append(attrs, attribute.String("host.name", host))
	}
	return resource.NewSchemaless(attrs...)
}

func endpointFor(configured string) string {
	if endpoint := strings.TrimSpace(os.Getenv(envEndpoint)); endpoint != "" {
		return endpoint
	}
	if endpoint := strings.TrimSpace(configured); endpoint != "" {
		return endpoint
	}
	return DefaultEndpoint
}

func environment() string {
	if value := strings.TrimSpace(os.Getenv(envEnvironment)); value != "" {
		return strings.ToLower(value)
	}
	return "dev"
}

func otlpExporter(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
	if certPath := strings.TrimSpace(os.Getenv(envCertificate)); certPath != "" {
		pool, err := loadCertPool(certPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, otlptracehttp.WithTLSClientConfig(&tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool}))
	}
	return otlptracehttp.New(ctx, opts...)
}

func loadCertPool(path string) (*x509.CertPool, error) {
	// #nosec G304 -- path is operator-supplied through OTEL_EXPORTER_OTLP_CERTIFICATE.
	pemData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read collector certificate %q: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, fmt.Errorf("collector certificate %q: no PEM certificates", path)
	}
	return pool, nil
}

// consoleExporter prints one line per span, tagged with its attempt id, and
// one indented line per span event.
type consoleExporter struct {
	mu  sync.Mutex
	out io.Writer
}

func (e *consoleExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, span := range spans {
		line := fmt.Sprintf("span %s %s %s", span.Name(), span.EndTime().Sub(span.StartTime()).Round(time.Millisecond), span.Status().Code)
		for _, kv := range span.Attributes() {
			if kv.Key == "attempt_id" || kv.Key == "error_kind" {
				line += fmt.Sprintf(" %s=%s", kv.Key, kv.Value.Emit())
			}
		}
		if _, err := fmt.Fprintln(e.out, line); err != nil {
			return err
		}
		for _, event := range span.Events() {
			if _, err := fmt.Fprintf(e.out, "  event %s\n", event.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *consoleExporter) Shutdown(context.Context) error { return nil }
