package observability

import (
	"testing"

	"github.com/smallbiznis/daycare/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("OTEL_SAMPLING_RATIO", "")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", "")
	t.Setenv("DEPLOYMENT_ENV", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("SERVICE_VERSION", "")

	cfg := LoadConfig(config.Config{AppVersion: "1.2.3", Environment: "production", OTLPEndpoint: "otel:4317"})
	assert.Equal(t, "daycare-billing", cfg.ServiceName)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "otel:4317", cfg.OtelExporterEndpoint)
	assert.Equal(t, 0.1, cfg.OtelSamplingRatio)
	assert.False(t, cfg.Debug())
}

func TestDebugInDevEnvironment(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("DEPLOYMENT_ENV", "local")

	cfg := LoadConfig(config.Config{AppName: "billing"})
	assert.Equal(t, "billing", cfg.ServiceName)
	assert.True(t, cfg.Debug())
	assert.True(t, provideLoggerConfig(cfg).IncludeStackOnError)
}
