package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	proxyproto "github.com/pires/go-proxyproto"
	"github.com/stretchr/testify/require"

	"gitlab.com/gitlab-org/opcorrelator/client"
	"gitlab.com/gitlab-org/opcorrelator/internal/config"
	"gitlab.com/gitlab-org/opcorrelator/internal/requestid"
	"gitlab.com/gitlab-org/opcorrelator/internal/telemetry"
	"gitlab.com/gitlab-org/opcorrelator/internal/testhelper"
	"gitlab.com/gitlab-org/opcorrelator/internal/testhelper/requesthandlers"
	"gitlab.com/gitlab-org/opcorrelator/internal/testhelper/testserver"
)

func setupServer(t *testing.T) (*Server, *testhelper.Recorder) {
	t.Helper()

	return setupServerWithConfig(t, &config.Config{})
}

func setupServerWithConfig(t *testing.T, cfg *config.Config) (*Server, *testhelper.Recorder) {
	t.Helper()

	if cfg.UpstreamURL == "" {
		cfg.UpstreamURL = testserver.StartHttpServer(t, requesthandlers.BuildEchoHeadersHandlers(t))
	}
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.ApplyDefaults()

	recorder := &testhelper.Recorder{}
	s, err := NewServer(cfg, recorder)
	require.NoError(t, err)

	go func() { require.NoError(t, s.ListenAndServe(context.Background())) }()
	t.Cleanup(func() { s.Shutdown(context.Background()) })

	verifyStatus(t, s, StatusReady)

	return s, recorder
}

func verifyStatus(t *testing.T, s *Server, st status) {
	require.Eventually(t, func() bool { return s.getStatus() == st }, 2*time.Second, time.Millisecond)
}

func waitForItems(t *testing.T, recorder *testhelper.Recorder, n int) {
	require.Eventually(t, func() bool { return recorder.Len() >= n }, 2*time.Second, time.Millisecond)
}

func TestNewServerInvalidUpstream(t *testing.T) {
	cfg := &config.Config{UpstreamURL: "ftp://localhost"}
	cfg.ApplyDefaults()

	_, err := NewServer(cfg, &testhelper.Recorder{})
	require.ErrorIs(t, err, client.ErrUnknownURLPrefix)

	_, err = NewServer(&config.Config{UpstreamURL: "http://localhost"}, nil)
	require.ErrorIs(t, err, telemetry.ErrNilSink)
}

func TestProxyCorrelatesRequests(t *testing.T) {
	s, recorder := setupServer(t)

	req, err := http.NewRequest(http.MethodGet, "http://"+s.Addr().String()+"/api/projects", nil)
	require.NoError(t, err)
	req.Header.Set("Request-Id", "|guid.1")
	req.Header.Set("Correlation-Context", "k1=v1,k2=v2,k1=v3")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var echoed requesthandlers.EchoedHeaders
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&echoed))
	require.Equal(t, "/api/projects", echoed.Path)
	require.Equal(t, "k1=v1,k2=v2", echoed.CorrelationContext)
	require.Equal(t, "guid", echoed.CorrelationID)

	waitForItems(t, recorder, 2)

	reqs := recorder.Requests()
	deps := recorder.Dependencies()
	require.Len(t, reqs, 1)
	require.Len(t, deps, 1)

	require.Equal(t, "guid", reqs[0].Context.Operation.ID)
	require.Equal(t, "|guid.1", reqs[0].Context.Operation.ParentID)
	require.Equal(t, deps[0].ID, echoed.RequestID)
	require.Equal(t, reqs[0].ID, requestid.ParentOf(deps[0].ID))
	require.Equal(t, reqs[0].ID, deps[0].Context.Operation.ParentID)
	require.Equal(t, "guid", deps[0].Context.Operation.ID)
	require.True(t, deps[0].Success)
	require.Equal(t, 0, s.PendingCalls())
}

func TestServerFromConfigDir(t *testing.T) {
	upstream := testserver.StartHttpServer(t, requesthandlers.BuildEchoHeadersHandlers(t))

	cfg, err := config.NewFromDir(testhelper.PrepareConfigDir(t, upstream))
	require.NoError(t, err)
	require.NoError(t, cfg.IsSane())

	s, recorder := setupServerWithConfig(t, cfg)

	resp, err := http.Get("http://" + s.Addr().String() + "/api/users")
	require.NoError(t, err)
	defer resp.Body.Close()

	var echoed requesthandlers.EchoedHeaders
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&echoed))
	require.Equal(t, "/api/users", echoed.Path)

	waitForItems(t, recorder, 2)

	deps := recorder.Dependencies()
	require.Len(t, deps, 1)
	require.Equal(t, deps[0].ID, echoed.RequestID)
}

func TestProxyUpstreamUnreachable(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	url := upstream.URL
	upstream.Close()

	s, recorder := setupServerWithConfig(t, &config.Config{UpstreamURL: url})

	resp, err := http.Get("http://" + s.Addr().String() + "/api/projects")
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	waitForItems(t, recorder, 2)

	deps := recorder.Dependencies()
	require.Len(t, deps, 1)
	require.False(t, deps[0].Success)
	require.Equal(t, telemetry.ErrorKindNetwork, deps[0].ErrorKind)

	reqs := recorder.Requests()
	require.Len(t, reqs, 1)
	require.False(t, reqs[0].Success)
	require.Equal(t, http.StatusBadGateway, reqs[0].ResponseCode)
}

func TestProxyProtocolRecordsOriginalClient(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.ProxyProtocol = true
	cfg.Server.ProxyPolicy = "require"

	s, recorder := setupServerWithConfig(t, cfg)

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	header := proxyproto.HeaderProxyFromAddrs(1,
		&net.TCPAddr{IP: net.ParseIP("10.1.2.3"), Port: 4567},
		&net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 80},
	)
	_, err = header.WriteTo(conn)
	require.NoError(t, err)

	_, err = conn.Write([]byte("GET /api/x HTTP/1.1\r\nHost: opcorrelator\r\nConnection: close\r\n\r\n"))
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	waitForItems(t, recorder, 2)

	reqs := recorder.Requests()
	require.Len(t, reqs, 1)
	require.Equal(t, "10.1.2.3", reqs[0].ClientIP)
}

func TestListenAndServeShutdown(t *testing.T) {
	s, _ := setupServer(t)
	addr := s.Addr().String()

	require.NoError(t, s.Shutdown(context.Background()))
	verifyStatus(t, s, StatusClosed)

	_, err := net.Dial("tcp", addr)
	require.Error(t, err)
}

func TestConcurrencyLimit(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})

	h := limitConcurrency(1, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
	}))

	var wg sync.WaitGroup
	first := httptest.NewRecorder()
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/", nil))
	}()
	<-entered

	second := httptest.NewRecorder()
	h.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusServiceUnavailable, second.Code)

	close(release)
	wg.Wait()
	require.Equal(t, http.StatusOK, first.Code)
}

func TestReadinessProbe(t *testing.T) {
	s := &Server{Config: &config.Config{Server: config.DefaultServerConfig}}

	require.Equal(t, StatusStarting, s.getStatus())

	mux := s.MonitoringServeMux()

	req := httptest.NewRequest("GET", "/start", nil)

	r := httptest.NewRecorder()
	mux.ServeHTTP(r, req)
	require.Equal(t, 503, r.Result().StatusCode)

	s.changeStatus(StatusReady)

	r = httptest.NewRecorder()
	mux.ServeHTTP(r, req)
	require.Equal(t, 200, r.Result().StatusCode)

	s.changeStatus(StatusOnShutdown)

	r = httptest.NewRecorder()
	mux.ServeHTTP(r, req)
	require.Equal(t, 503, r.Result().StatusCode)
}

func TestReadinessProbeChecksUpstream(t *testing.T) {
	testCases := []struct {
		desc   string
		path   string
		status int
	}{
		{desc: "healthy upstream", path: "/health", status: http.StatusOK},
		{desc: "unhealthy upstream", path: "/missing", status: http.StatusServiceUnavailable},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			cfg := &config.Config{}
			cfg.Server.UpstreamHealthPath = tc.path

			s, _ := setupServerWithConfig(t, cfg)

			r := httptest.NewRecorder()
			s.MonitoringServeMux().ServeHTTP(r, httptest.NewRequest("GET", "/start", nil))
			require.Equal(t, tc.status, r.Result().StatusCode)
		})
	}
}

func TestLivenessProbe(t *testing.T) {
	s := &Server{Config: &config.Config{Server: config.DefaultServerConfig}}
	mux := s.MonitoringServeMux()

	req := httptest.NewRequest("GET", "/health", nil)

	r := httptest.NewRecorder()
	mux.ServeHTTP(r, req)
	require.Equal(t, 200, r.Result().StatusCode)
}

func TestInvalidServerConfig(t *testing.T) {
	s := &Server{Config: &config.Config{Server: config.ServerConfig{Listen: "invalid"}}}
	err := s.ListenAndServe(context.Background())

	require.Error(t, err)
	require.Equal(t, "failed to listen for connection: listen tcp: address invalid: missing port in address", err.Error())
	require.Nil(t, s.Shutdown(context.Background()))
}
