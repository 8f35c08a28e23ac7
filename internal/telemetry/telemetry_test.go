package telemetry

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type capturingExporter struct {
	spans   []sdktrace.ReadOnlySpan
	stopped bool
}

func (c *capturingExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	c.spans = append(c.spans, spans...)
	return nil
}

func (c *capturingExporter) Shutdown(context.Context) error {
	c.stopped = true
	return nil
}

func stubExporter(t *testing.T, build func(context.Context, string) (sdktrace.SpanExporter, error)) {
	t.Helper()
	previous := newExporter
	newExporter = build
	t.Cleanup(func() { newExporter = previous })
}

func resourceValue(span sdktrace.ReadOnlySpan, key string) string {
	for _, kv := range span.Resource().Attributes() {
		if kv.Key == attribute.Key(key) {
			return kv.Value.AsString()
		}
	}
	return ""
}

func TestInitExportsWithServiceResource(t *testing.T) {
	t.Setenv(envEndpoint, "http://collector:4318")
	t.Setenv(envEnvironment, "Prod")

	capture := &capturingExporter{}
	endpoint := ""
	stubExporter(t, func(_ context.Context, got string) (sdktrace.SpanExporter, error) {
		endpoint = got
		return capture, nil
	})

	shutdown, err := Init(context.Background(), Options{Endpoint: "http://from-config:4318", Version: "v1.4.0"})
	require.NoError(t, err)
	_, span := otel.Tracer("test").Start(context.Background(), "clientauth.connect")
	span.End()
	shutdown()

	assert.Equal(t, "http://collector:4318", endpoint)
	assert.True(t, capture.stopped)
	require.NotEmpty(t, capture.spans)
	assert.Equal(t, ServiceName, resourceValue(capture.spans[0], "service.name"))
	assert.Equal(t, "v1.4.0", resourceValue(capture.spans[0], "service.version"))
	assert.Equal(t, "prod", resourceValue(capture.spans[0], "deployment.environment"))
}

func TestEndpointPrecedence(t *testing.T) {
	t.Setenv(envEndpoint, "")
	assert.Equal(t, "http://from-config:4318", endpointFor(" http://from-config:4318 "))
	assert.Equal(t, DefaultEndpoint, endpointFor(""))

	t.Setenv(envEndpoint, "http://env:4318")
	assert.Equal(t, "http://env:4318", endpointFor("http://from-config:4318"))
}

func TestInitWithoutFallbackFailsOnExporterError(t *testing.T) {
	stubExporter(t, func(context.Context, string) (sdktrace.SpanExporter, error) {
		return nil, errors.New("dial failed")
	})

	shutdown, err := Init(context.Background(), Options{})
	require.Error(t, err)
	assert.Nil(t, shutdown)
}

func TestInitFallsBackToConsole(t *testing.T) {
	stubExporter(t, func(context.Context, string) (sdktrace.SpanExporter, error) {
		return nil, errors.New("dial failed")
	})

	var out bytes.Buffer
	shutdown, err := Init(context.Background(), Options{Fallback: &out})
	require.NoError(t, err)
	_, span := otel.Tracer("test").Start(context.Background(), "clientauth.login")
	span.SetAttributes(attribute.String("attempt_id", "attempt-9"), attribute.String("error_kind", "login_timeout"))
	span.AddEvent("stale_restart")
	span.SetStatus(codes.Error, "marker absent")
	span.End()
	shutdown()

	rendered := out.String()
	assert.Contains(t, rendered, "printing spans instead")
	assert.Contains(t, rendered, "span clientauth.login")
	assert.Contains(t, rendered, "attempt_id=attempt-9")
	assert.Contains(t, rendered, "error_kind=login_timeout")
	assert.True(t, strings.Contains(rendered, "  event stale_restart"), rendered)
}

func TestInitDisabledNeverBuildsExporter(t *testing.T) {
	stubExporter(t, func(context.Context, string) (sdktrace.SpanExporter, error) {
		t.Fatal("exporter built while disabled")
		return nil, nil
	})

	shutdown, err := Init(context.Background(), Options{Disabled: true})
	require.NoError(t, err)
	shutdown()
	shutdown()
}

func TestLoadCertPoolRejectsNonPEM(t *testing.T) {
	path := t.TempDir() + "/ca.pem"
	require.NoError(t, writeFile(path, "not a certificate"))
	_, err := loadCertPool(path)
	require.ErrorContains(t, err, "no PEM certificates")

	_, err = loadCertPool(path + ".missing")
	require.Error(t, err)
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}
