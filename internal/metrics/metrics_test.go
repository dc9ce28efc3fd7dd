package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewRoundTripper(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer server.Close()

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("418", "get"))

	client := &http.Client{Transport: NewRoundTripper(http.DefaultTransport)}
	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusTeapot, resp.StatusCode)
	require.InDelta(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("418", "get")), 0.001)
	require.InDelta(t, 0, testutil.ToFloat64(httpInFlightRequests), 0.001)
}
