package testserver

import (
	"encoding/pem"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type TestRequestHandler struct {
	Path    string
	Handler func(w http.ResponseWriter, r *http.Request)
}

// StartSocketHttpServer serves handlers on a unix socket and returns its
// http+unix URL.
func StartSocketHttpServer(t *testing.T, handlers []TestRequestHandler) string {
	t.Helper()

	// Socket paths are length limited, t.TempDir can be too deep.
	tempDir, err := os.MkdirTemp("", "opcorrelator-test-api")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	testSocket := filepath.Join(tempDir, "internal.sock")

	socketListener, err := net.Listen("unix", testSocket)
	require.NoError(t, err)

	server := http.Server{
		Handler: buildHandler(handlers),
		// We'll put this server through some nasty stuff we don't want
		// in our test output
		ErrorLog: log.New(io.Discard, "", 0),
	}
	go server.Serve(socketListener)
	t.Cleanup(func() { server.Close() })

	return "http+unix://" + testSocket
}

// StartHttpServer serves handlers over plain HTTP and returns the base URL.
func StartHttpServer(t *testing.T, handlers []TestRequestHandler) string {
	t.Helper()

	server := httptest.NewServer(buildHandler(handlers))
	t.Cleanup(server.Close)

	return server.URL
}

// StartHttpsServer serves handlers over TLS and returns the base URL along
// with the path of a CA file trusting the server certificate.
func StartHttpsServer(t *testing.T, handlers []TestRequestHandler) (string, string) {
	t.Helper()

	server := httptest.NewTLSServer(buildHandler(handlers))
	t.Cleanup(server.Close)

	caFile := filepath.Join(t.TempDir(), "server.crt")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: server.Certificate().Raw})
	require.NoError(t, os.WriteFile(caFile, pemBytes, 0o600))

	return server.URL, caFile
}

func buildHandler(handlers []TestRequestHandler) http.Handler {
	h := http.NewServeMux()

	for _, handler := range handlers {
		h.HandleFunc(handler.Path, handler.Handler)
	}

	return h
}
