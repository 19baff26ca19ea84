package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestParseEndpoint(t *testing.T) {
	cases := []struct {
		raw      string
		host     string
		insecure bool
	}{
		{"http://collector:4318", "collector:4318", true},
		{"https://otel.example.com", "otel.example.com", false},
		{"127.0.0.1:4318", "127.0.0.1:4318", false},
		{"collector:4318", "collector:4318", false},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			host, insecure, err := parseEndpoint(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.host, host)
			assert.Equal(t, tc.insecure, insecure)
		})
	}
}

func TestInitRequiresServiceName(t *testing.T) {
	_, err := Init(context.Background(), Config{})
	assert.Error(t, err)
}

func TestInitDisabled(t *testing.T) {
	tel, err := Init(context.Background(), Config{ServiceName: "runhub"})
	require.NoError(t, err)
	assert.Nil(t, tel.Handler())
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestMetricsHandlerExportsOTelInstruments(t *testing.T) {
	ctx := context.Background()
	tel, err := Init(ctx, Config{ServiceName: "runhub", ServiceVersion: "test", Metrics: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(ctx) })
	require.NotNil(t, tel.Handler())

	counter, err := otel.Meter("runhub/test").Int64Counter("runhub.test.hits")
	require.NoError(t, err)
	counter.Add(ctx, 3)

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "runhub_test_hits")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestTracerProviderExportsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := newTracerProvider(exporter, sdkresource.Empty())
	_, span := tp.Tracer("runhub/test").Start(context.Background(), "runs.claim")
	span.End()
	require.NoError(t, tp.ForceFlush(context.Background()))
	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "runs.claim", spans[0].Name)
	require.NoError(t, tp.Shutdown(context.Background()))
}
