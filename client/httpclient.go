package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	socketBaseURL             = "http://unix"
	unixSocketProtocol        = "http+unix://"
	httpProtocol              = "http://"
	httpsProtocol             = "https://"
	defaultReadTimeoutSeconds = 300
	defaultRetryWaitMinimum   = time.Second
	defaultRetryWaitMaximum   = 15 * time.Second
	defaultRetryMax           = 2
)

var (
	// ErrCafileNotFound indicates that the specified CA file was not found
	ErrCafileNotFound = errors.New("cafile not found")
	// ErrUnknownURLPrefix is returned for upstream URLs that are neither http, https nor http+unix.
	ErrUnknownURLPrefix = errors.New("unknown upstream URL prefix")
	// ErrNilLifecycle is returned when a client is built without lifecycle callbacks.
	ErrNilLifecycle = errors.New("lifecycle callbacks are required")
)

// HTTPClient is an HTTP client with retry capabilities for a single upstream.
// Every attempt is tracked as its own dependency call.
type HTTPClient struct {
	RetryableHTTP *retryablehttp.Client
	// Transport is the instrumented transport without retries, for callers
	// that stream request bodies.
	Transport http.RoundTripper
	Host      string
}

type httpClientCfg struct {
	caFile, caPath             string
	retryWaitMin, retryWaitMax time.Duration
	retryMax                   int
}

// HTTPClientOpt provides options for configuring an HTTPClient
type HTTPClientOpt func(*httpClientCfg)

// WithRetryMax sets how many times a failed call is retried.
func WithRetryMax(n int) HTTPClientOpt {
	return func(hcc *httpClientCfg) {
		hcc.retryMax = n
	}
}

// WithRetryWait sets the bounds of the backoff between retries.
func WithRetryWait(minimum, maximum time.Duration) HTTPClientOpt {
	return func(hcc *httpClientCfg) {
		hcc.retryWaitMin = minimum
		hcc.retryWaitMax = maximum
	}
}

// NewHTTPClient builds an HTTP client for upstreamURL using the provided options
func NewHTTPClient(
	upstreamURL,
	caFile, caPath string,
	readTimeoutSeconds uint64,
	lifecycle Lifecycle,
	opts ...HTTPClientOpt,
) (*HTTPClient, error) {
	if lifecycle == nil {
		return nil, ErrNilLifecycle
	}

	hcc := &httpClientCfg{
		caFile:       caFile,
		caPath:       caPath,
		retryWaitMin: defaultRetryWaitMinimum,
		retryWaitMax: defaultRetryWaitMaximum,
		retryMax:     defaultRetryMax,
	}

	for _, opt := range opts {
		opt(hcc)
	}

	var transport *http.Transport
	var host string
	switch {
	case strings.HasPrefix(upstreamURL, unixSocketProtocol):
		transport, host = buildSocketTransport(upstreamURL)
	case strings.HasPrefix(upstreamURL, httpProtocol):
		transport, host = buildHTTPTransport(upstreamURL)
	case strings.HasPrefix(upstreamURL, httpsProtocol):
		if err := validateCaFile(caFile); err != nil {
			return nil, err
		}
		transport, host = buildHTTPSTransport(*hcc, upstreamURL)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownURLPrefix, upstreamURL)
	}

	instrumented := NewTransport(transport, lifecycle)

	c := retryablehttp.NewClient()
	c.RetryMax = hcc.retryMax
	c.RetryWaitMax = hcc.retryWaitMax
	c.RetryWaitMin = hcc.retryWaitMin
	c.Logger = nil
	c.HTTPClient.Transport = instrumented
	c.HTTPClient.Timeout = readTimeout(readTimeoutSeconds)

	return &HTTPClient{RetryableHTTP: c, Transport: instrumented, Host: host}, nil
}

// Do sends a request for path to the upstream, retrying failed attempts.
func (c *HTTPClient) Do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, appendPath(c.Host, path), body)
	if err != nil {
		return nil, err
	}

	return c.RetryableHTTP.Do(req)
}

// Get is a convenience wrapper around Do.
func (c *HTTPClient) Get(ctx context.Context, path string) (*http.Response, error) {
	return c.Do(ctx, http.MethodGet, path, nil)
}

func buildSocketTransport(upstreamURL string) (*http.Transport, string) {
	socketPath := strings.TrimPrefix(upstreamURL, unixSocketProtocol)

	transport := DefaultTransport()
	transport.Proxy = nil
	transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
		dialer := net.Dialer{}
		return dialer.DialContext(ctx, "unix", socketPath)
	}

	return transport, socketBaseURL
}

func buildHTTPSTransport(hcc httpClientCfg, upstreamURL string) (*http.Transport, string) {
	certPool, err := x509.SystemCertPool()
	if err != nil {
		certPool = x509.NewCertPool()
	}

	if hcc.caFile != "" {
		addCertToPool(certPool, hcc.caFile)
	}

	if hcc.caPath != "" {
		fis, _ := os.ReadDir(hcc.caPath)
		for _, fi := range fis {
			if fi.IsDir() {
				continue
			}

			addCertToPool(certPool, filepath.Join(hcc.caPath, fi.Name()))
		}
	}

	transport := DefaultTransport()
	transport.TLSClientConfig = &tls.Config{
		RootCAs:    certPool,
		MinVersion: tls.VersionTLS12,
	}

	return transport, upstreamURL
}

func appendPath(host string, path string) string {
	return strings.TrimSuffix(host, "/") + "/" + strings.TrimPrefix(path, "/")
}

func addCertToPool(certPool *x509.CertPool, fileName string) {
	cert, err := os.ReadFile(filepath.Clean(fileName))
	if err == nil {
		certPool.AppendCertsFromPEM(cert)
	}
}

func buildHTTPTransport(upstreamURL string) (*http.Transport, string) {
	return DefaultTransport(), upstreamURL
}

func readTimeout(timeoutSeconds uint64) time.Duration {
	if timeoutSeconds == 0 || timeoutSeconds > math.MaxInt64/uint64(time.Second) {
		timeoutSeconds = defaultReadTimeoutSeconds
	}

	return time.Duration(timeoutSeconds) * time.Second // #nosec G115
}

func validateCaFile(filename string) error {
	if filename == "" {
		return nil
	}

	if _, err := os.Stat(filename); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("cannot find cafile '%s': %w", filename, ErrCafileNotFound)
		}

		return err
	}

	return nil
}
