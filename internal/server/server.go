// Package server implements a correlating reverse proxy: every request it
// forwards runs inside a correlation scope, and the forwarded call is tracked
// as a dependency of that request.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	proxyproto "github.com/pires/go-proxyproto"
	"golang.org/x/sync/semaphore"

	"gitlab.com/gitlab-org/labkit/log"

	"gitlab.com/gitlab-org/opcorrelator/client"
	"gitlab.com/gitlab-org/opcorrelator/internal/config"
	"gitlab.com/gitlab-org/opcorrelator/internal/dependency"
	"gitlab.com/gitlab-org/opcorrelator/internal/inbound"
	"gitlab.com/gitlab-org/opcorrelator/internal/initializer"
	"gitlab.com/gitlab-org/opcorrelator/internal/metrics"
	"gitlab.com/gitlab-org/opcorrelator/internal/opcontext"
	"gitlab.com/gitlab-org/opcorrelator/internal/telemetry"
)

type status int

const (
	StatusStarting status = iota
	StatusReady
	StatusOnShutdown
	StatusClosed
)

const readHeaderTimeout = 10 * time.Second

type Server struct {
	Config *config.Config

	status     status
	statusMu   sync.RWMutex
	listener   net.Listener
	listenerMu sync.Mutex
	httpServer *http.Server

	correlator *opcontext.Correlator
	processor  *dependency.Processor
	upstream   *client.HTTPClient
	handler    http.Handler
}

// NewServer wires the correlation pipeline for cfg. Finished telemetry is
// emitted to sink.
func NewServer(cfg *config.Config, sink telemetry.Sink) (*Server, error) {
	tracker, err := telemetry.NewClient(sink, initializer.Operation{})
	if err != nil {
		return nil, err
	}

	correlator := opcontext.New(cfg.CorrelatorOptions()...)

	processor, err := dependency.NewProcessor(
		dependency.NewTable(),
		correlator,
		tracker,
		dependency.WithCorrelationHeaders(cfg.Correlation.PropagateHeaders()),
		dependency.WithExcludedDomains(cfg.Correlation.ExcludeDomains),
	)
	if err != nil {
		return nil, err
	}

	upstream, err := client.NewHTTPClient(
		cfg.UpstreamURL,
		cfg.HTTPSettings.CaFile,
		cfg.HTTPSettings.CaPath,
		cfg.HTTPSettings.ReadTimeoutSeconds,
		processor,
		client.WithRetryMax(cfg.HTTPSettings.Retries()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream client: %w", err)
	}

	proxy, err := newReverseProxy(upstream, correlator)
	if err != nil {
		return nil, err
	}

	handler, err := inbound.NewHandler(proxy, correlator, tracker)
	if err != nil {
		return nil, err
	}

	s := &Server{
		Config:     cfg,
		correlator: correlator,
		processor:  processor,
		upstream:   upstream,
		handler:    limitConcurrency(cfg.Server.ConcurrentRequestsLimit, handler),
	}

	return s, nil
}

func newReverseProxy(upstream *client.HTTPClient, correlator *opcontext.Correlator) (*httputil.ReverseProxy, error) {
	target, err := url.Parse(upstream.Host)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()

			// The incoming correlation headers describe our caller, the
			// transport writes the ones describing this call.
			headers := correlator.Headers()
			if scope, ok := opcontext.FromContext(pr.In.Context()); ok {
				headers = scope.Headers
			}
			pr.Out.Header.Del(headers.ParentID)
			pr.Out.Header.Del(headers.Baggage)
		},
		Transport: upstream.Transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.WithContextFields(r.Context(), log.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
			}).WithError(err).Error("Failed to proxy request")

			w.WriteHeader(http.StatusBadGateway)
		},
	}, nil
}

// limitConcurrency rejects requests beyond limit with 503. A limit below one
// disables the check.
func limitConcurrency(limit int64, next http.Handler) http.Handler {
	if limit < 1 {
		return next
	}

	sem := semaphore.NewWeighted(limit)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !sem.TryAcquire(1) {
			metrics.InboundHitMaxRequests.Inc()
			log.WithContextFields(r.Context(), log.Fields{"limit": limit}).Info("server: too many concurrent requests")
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}
		defer sem.Release(1)

		next.ServeHTTP(w, r)
	})
}

// Handler returns the correlating proxy handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Correlator returns the correlator establishing the request scopes.
func (s *Server) Correlator() *opcontext.Correlator {
	return s.correlator
}

// PendingCalls returns the number of upstream calls in flight.
func (s *Server) PendingCalls() int {
	return s.processor.Pending()
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.listen(ctx); err != nil {
		return err
	}

	return s.serve(ctx)
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx
// is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.listenerMu.Lock()
	httpServer := s.httpServer
	s.listenerMu.Unlock()

	if httpServer == nil {
		return nil
	}

	s.changeStatus(StatusOnShutdown)

	return httpServer.Shutdown(ctx)
}

// Addr returns the address the server listens on, nil before it listens.
func (s *Server) Addr() net.Addr {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()

	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

func (s *Server) MonitoringServeMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc(s.Config.Server.ReadinessProbe, func(w http.ResponseWriter, r *http.Request) {
		if s.getStatus() != StatusReady {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		if path := s.Config.Server.UpstreamHealthPath; path != "" && s.upstream != nil {
			if err := s.upstream.CheckHealth(r.Context(), path); err != nil {
				log.WithContextFields(r.Context(), log.Fields{"path": path}).WithError(err).Warn("Upstream is not ready")
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc(s.Config.Server.LivenessProbe, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return mux
}

func (s *Server) listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.Config.Server.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen for connection: %w", err)
	}

	if s.Config.Server.ProxyProtocol {
		policy, err := s.proxyPolicy()
		if err != nil {
			listener.Close()
			return fmt.Errorf("invalid policy configuration: %w", err)
		}

		listener = &proxyproto.Listener{
			Listener:          listener,
			Policy:            policy,
			ReadHeaderTimeout: time.Duration(s.Config.Server.ProxyHeaderTimeout),
		}

		log.ContextLogger(ctx).Info("Proxy protocol is enabled")
	}

	log.WithContextFields(ctx, log.Fields{"tcp_address": listener.Addr().String()}).Info("Listening for HTTP requests")

	s.listenerMu.Lock()
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.listenerMu.Unlock()

	return nil
}

func (s *Server) serve(ctx context.Context) error {
	s.changeStatus(StatusReady)

	err := s.httpServer.Serve(s.listener)

	s.changeStatus(StatusClosed)

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	log.ContextLogger(ctx).WithError(err).Warn("Failed to serve requests")

	return err
}

func (s *Server) changeStatus(st status) {
	s.statusMu.Lock()
	s.status = st
	s.statusMu.Unlock()
}

func (s *Server) getStatus() status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()

	return s.status
}

func (s *Server) proxyPolicy() (proxyproto.PolicyFunc, error) {
	if len(s.Config.Server.ProxyAllowed) > 0 {
		return proxyproto.StrictWhiteListPolicy(s.Config.Server.ProxyAllowed)
	}

	// Set the Policy value based on config
	// Values are taken from https://github.com/pires/go-proxyproto/blob/195fedcfbfc1be163f3a0d507fac1709e9d81fed/policy.go#L20
	switch strings.ToLower(s.Config.Server.ProxyPolicy) {
	case "require":
		return staticProxyPolicy(proxyproto.REQUIRE), nil
	case "ignore":
		return staticProxyPolicy(proxyproto.IGNORE), nil
	case "reject":
		return staticProxyPolicy(proxyproto.REJECT), nil
	default:
		return staticProxyPolicy(proxyproto.USE), nil
	}
}

func staticProxyPolicy(policy proxyproto.Policy) proxyproto.PolicyFunc {
	return func(_ net.Addr) (proxyproto.Policy, error) {
		return policy, nil
	}
}
