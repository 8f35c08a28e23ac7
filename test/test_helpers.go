// Package test provides shared helpers for connectauth tests.
package test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTimeout bounds Context.
const DefaultTimeout = 30 * time.Second

// Context returns a context cancelled at test cleanup or after DefaultTimeout.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	t.Cleanup(cancel)
	return ctx
}

// TempHome points HOME (and USERPROFILE on Windows) at a fresh directory so
// config, log and lease defaults resolve inside the test.
func TempHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	return home
}

// WriteConfig writes content to <dir>/.connectauth/config.toml and returns the path.
func WriteConfig(t *testing.T, dir, content string) string {
	t.Helper()
	configDir := filepath.Join(dir, ".connectauth")
	require.NoError(t, os.MkdirAll(configDir, 0o750), "create config dir")
	path := filepath.Join(configDir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600), "write config")
	return path
}

// Chdir changes to dir for the duration of the test.
func Chdir(t *testing.T, dir string) {
	t.Helper()
	original, err := os.Getwd()
	require.NoError(t, err, "failed to get working directory")
	require.NoError(t, os.Chdir(dir), "failed to change directory")
	t.Cleanup(func() {
		assert.NoError(t, os.Chdir(original), "failed to restore working directory")
	})
}

// Tracer returns a tracer whose ended spans land in the returned recorder.
func Tracer(t *testing.T) (trace.Tracer, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return provider.Tracer("connectauth-test"), recorder
}

// SpanNames lists the names of every ended span in order.
func SpanNames(recorder *tracetest.SpanRecorder) []string {
	names := []string{}
	for _, span := range recorder.Ended() {
		names = append(names, span.Name())
	}
	return names
}

// AssertFileExists checks if a file exists.
func AssertFileExists(t *testing.T, path string) {
	t.Helper()
	_, err := os.Stat(path)
	assert.NoError(t, err, "file should exist: %s", path)
}

// AssertFileNotExists checks if a file does not exist.
func AssertFileNotExists(t *testing.T, path string) {
	t.Helper()
	_, err := os.Stat(path)
	assert.Error(t, err, "file should not exist: %s", path)
}
