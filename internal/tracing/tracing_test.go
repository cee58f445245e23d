package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupEnabledInstallsPropagation(t *testing.T) {
	// The collector endpoint does not need to be reachable; export is
	// batched and only fails at flush time.
	shutdown, err := Setup(Config{
		Enabled:     true,
		Endpoint:    "localhost:1",
		ServiceName: "cascadeflow-test",
		SampleRatio: 0.5,
	})
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_ = shutdown(ctx)
	}()

	fields := otel.GetTextMapPropagator().Fields()
	assert.Contains(t, fields, "traceparent")
	assert.Contains(t, fields, "baggage")
}

func TestMiddlewarePassesRequestsThrough(t *testing.T) {
	var gotPath string
	h := Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusAccepted)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/run", nil))

	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, "/v1/run", gotPath)
}

func TestHTTPTransportDefaultsBase(t *testing.T) {
	assert.NotNil(t, HTTPTransport(nil))
	assert.NotNil(t, HTTPTransport(http.DefaultTransport))
}
