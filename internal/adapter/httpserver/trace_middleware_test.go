package httpserver_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	httpserver "github.com/fairyhunter13/signal-loader/internal/adapter/httpserver"
)

func TestTraceMiddleware_NamesSpanByRoutePattern(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	r := chi.NewRouter()
	r.Use(httpserver.TraceMiddleware)
	r.Get("/v1/loaders/{code}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/loaders/USAGE_HOURLY", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	// The span carries the route pattern, not the raw loader code.
	assert.Equal(t, "GET /v1/loaders/{code}", spans[0].Name())
	attrs := spans[0].Attributes()
	var route string
	for _, a := range attrs {
		if string(a.Key) == "http.route" {
			route = a.Value.AsString()
		}
	}
	assert.Equal(t, "/v1/loaders/{code}", route)
}
