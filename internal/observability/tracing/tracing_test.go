package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	obscontext "github.com/smallbiznis/daycare/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestRunSpanProcessorStampsRunID(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(&runSpanProcessor{}),
		sdktrace.WithSpanProcessor(recorder),
	)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx := obscontext.WithRunID(context.Background(), "77")
	_, span := tp.Tracer("test").Start(ctx, "billing.run")
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Contains(t, ended[0].Attributes(), attribute.String("billing.run_id", "77"))
}

func TestSafeAttributesAndError(t *testing.T) {
	long := strings.Repeat("x", 400)
	attrs := SafeAttributes(
		attribute.String("", "dropped"),
		attribute.String("note", long),
		attribute.Int("count", 3),
	)
	require.Len(t, attrs, 2)
	assert.Len(t, attrs[0].Value.AsString(), maxAttributeLength)
	assert.Equal(t, int64(3), attrs[1].Value.AsInt64())

	assert.Nil(t, SafeError(nil))
	assert.Len(t, SafeError(errors.New(long)).Error(), maxAttributeLength)
}

func TestSamplingRatio(t *testing.T) {
	assert.Equal(t, 1.0, samplingRatio(0))
	assert.Equal(t, 0.25, samplingRatio(0.25))
	assert.Equal(t, 1.0, samplingRatio(4))
}

func TestGinMiddlewareTagsBillingRun(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	r := gin.New()
	r.Use(GinMiddlewareWithProvider(tp))
	r.POST("/internal/billing/runs", func(c *gin.Context) {
		c.Set(RunIDKey, "4242")
		c.Status(http.StatusInternalServerError)
	})
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/internal/billing/runs", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	ended := recorder.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "HTTP POST /internal/billing/runs", ended[0].Name())
	assert.Contains(t, ended[0].Attributes(), attribute.String("billing.run_id", "4242"))
	assert.Equal(t, "Error", ended[0].Status().Code.String())

	assert.Equal(t, "HTTP GET /health", ended[1].Name())
	for _, kv := range ended[1].Attributes() {
		assert.NotEqual(t, attribute.Key("billing.run_id"), kv.Key)
	}
}
