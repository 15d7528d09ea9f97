// Package proxy is the HTTP face of the gateway: routing, access control and
// the per-protocol handlers that drive translation and streaming.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/acme/autocert"

	"github.com/Polly2014/CopilotX/pkg/apierr"
	"github.com/Polly2014/CopilotX/pkg/auth"
	"github.com/Polly2014/CopilotX/pkg/config"
	"github.com/Polly2014/CopilotX/pkg/logutil"
	"github.com/Polly2014/CopilotX/pkg/metrics"
	"github.com/Polly2014/CopilotX/pkg/provider"
	"github.com/Polly2014/CopilotX/pkg/registry"
	"github.com/Polly2014/CopilotX/pkg/translate"
	"github.com/Polly2014/CopilotX/pkg/version"
)

const (
	portFallbackAttempts = 20
	drainTimeout         = 30 * time.Second
	shutdownTimeout      = 10 * time.Second
)

var logger = logutil.Prefixed("proxy")

var errDraining = &apierr.UpstreamError{StatusCode: http.StatusServiceUnavailable, Message: "server shutting down", Type: apierr.TypeOverloaded}

type TokenManager interface {
	Token(ctx context.Context) (auth.AccessToken, error)
	Invalidate()
	Status() auth.Status
}

type ModelRegistry interface {
	List(ctx context.Context, forceRefresh bool) ([]registry.ModelDescriptor, error)
	Lookup(ctx context.Context, id string) (registry.ModelDescriptor, bool, error)
	Cached() ([]registry.ModelDescriptor, time.Time, bool)
}

type Upstream interface {
	Post(ctx context.Context, t provider.Target, endpoint string, body []byte, opts provider.CallOptions) ([]byte, error)
	Stream(ctx context.Context, t provider.Target, endpoint string, body []byte, opts provider.CallOptions) (*http.Response, error)
}

// Deps is everything the server needs, built once at startup.
type Deps struct {
	Config   config.ServerConfig
	Tokens   TokenManager
	Models   ModelRegistry
	Upstream Upstream
	// RegistrationPath is where the running server announces itself. Empty
	// disables the registration file.
	RegistrationPath string
}

type Server struct {
	deps       Deps
	cfg        config.ServerConfig
	models     translate.ModelMapper
	policy     *AccessPolicy
	health     *UpstreamHealthChecker
	httpServer *http.Server

	registration atomic.Pointer[Registration]
	activeProxy  atomic.Int64
	draining     atomic.Bool
}

func NewServer(deps Deps) (*Server, error) {
	if deps.Tokens == nil || deps.Models == nil || deps.Upstream == nil {
		return nil, errors.New("proxy: tokens, models and upstream are required")
	}
	cfg := deps.Config
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		models: translate.NewModelMapper(cfg.ModelAliases),
		policy: NewAccessPolicy(cfg.ListenAddr, cfg.EffectiveAPIKey()),
		health: NewUpstreamHealthChecker(deps.Tokens, deps.Models, upstreamHealthCheckInterval),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.proxyRequestLifecycleMiddleware)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)

	r.Group(func(pr chi.Router) {
		pr.Use(s.policy.Middleware)
		pr.Handle("/metrics", promhttp.Handler())
		pr.Route("/v1", func(v1 chi.Router) {
			v1.Get("/models", s.handleModels)
			v1.Post("/chat/completions", s.handleChatCompletions)
			v1.Post("/messages", s.handleMessages)
			v1.Post("/responses", s.handleResponses)
		})
	})

	s.httpServer = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Policy() *AccessPolicy { return s.policy }

// Run serves until ctx ends, either on the configured address (with port
// fallback) or, when TLS is enabled, on the TLS address with ACME
// certificates.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.TLS.Enabled {
		return s.runTLS(ctx)
	}
	ln, err := Listen(s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts on ln until ctx ends, then drains in-flight proxy requests.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.policy.WarnIfOpen()
	s.register(ln.Addr())
	defer s.unregister()

	healthCtx, stopHealth := context.WithCancel(ctx)
	defer stopHealth()
	go s.health.Run(healthCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("proxy listening", "addr", ln.Addr().String(), "bind", s.policy.BindMode(), "api_key", s.policy.KeyRequired())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("proxy server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	s.shutdown(s.httpServer)
	return firstErr(errCh)
}

func (s *Server) runTLS(ctx context.Context) error {
	mgr := &autocert.Manager{
		Cache:      autocert.DirCache(s.cfg.TLS.CacheDir),
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(s.cfg.TLS.Domain),
		Email:      s.cfg.TLS.Email,
	}
	httpsSrv := &http.Server{
		Addr:              s.cfg.TLS.ListenAddr,
		Handler:           s.httpServer.Handler,
		ReadHeaderTimeout: s.httpServer.ReadHeaderTimeout,
		ReadTimeout:       s.httpServer.ReadTimeout,
		IdleTimeout:       s.httpServer.IdleTimeout,
		TLSConfig:         &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12},
	}
	httpChallenge := &http.Server{
		Addr:              ":80",
		Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.policy.WarnIfOpen()
	if host, port, err := net.SplitHostPort(s.cfg.TLS.ListenAddr); err == nil {
		p, _ := strconv.Atoi(port)
		s.register(&net.TCPAddr{IP: net.ParseIP(host), Port: p})
		defer s.unregister()
	}
	healthCtx, stopHealth := context.WithCancel(ctx)
	defer stopHealth()
	go s.health.Run(healthCtx)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http challenge/redirect listening", "addr", ":80")
		if err := httpChallenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http challenge server: %w", err)
		}
	}()
	go func() {
		logger.Info("https listening", "addr", httpsSrv.Addr, "domain", s.cfg.TLS.Domain)
		if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("https server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	s.shutdown(httpsSrv, httpChallenge)
	return firstErr(errCh)
}

func (s *Server) shutdown(servers ...*http.Server) {
	s.draining.Store(true)
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	s.waitForProxyIdle(drainCtx)
	cancelDrain()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
}

// Listen binds addr. When the port is taken it tries the next ports, then
// lets the OS pick one.
func Listen(addr string) (net.Listener, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("listen port %q: %w", portStr, err)
	}
	var firstErr error
	for i := 0; i < portFallbackAttempts && port+i <= 65535; i++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port+i)))
		if err == nil {
			if i > 0 {
				logger.Warn("port in use, using a later one", "wanted", port, "using", port+i)
			}
			return ln, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
		if firstErr == nil {
			firstErr = err
		}
		if port == 0 {
			break
		}
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, firstErr)
	}
	logger.Warn("ports in use, using an OS-assigned one", "wanted", port, "using", ln.Addr().String())
	return ln, nil
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}

func (s *Server) proxyRequestLifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isProxyReq := len(r.URL.Path) > 4 && r.URL.Path[:4] == "/v1/"
		if isProxyReq && s.draining.Load() {
			w.Header().Set("Retry-After", "3")
			writeError(w, protocolFor(r.URL.Path), errDraining)
			return
		}
		if isProxyReq {
			s.activeProxy.Add(1)
			defer s.activeProxy.Add(-1)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) waitForProxyIdle(ctx context.Context) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	lastLog := time.Time{}
	for {
		active := s.activeProxy.Load()
		if active <= 0 {
			logger.Info("shutdown: proxy idle")
			return
		}
		if lastLog.IsZero() || time.Since(lastLog) >= time.Second {
			logger.Info("shutdown: waiting for active proxy requests", "active", active)
			lastLog = time.Now()
		}
		select {
		case <-ctx.Done():
			logger.Warn("shutdown: drain timeout, closing with requests in flight", "active", active)
			return
		case <-t.C:
		}
	}
}

// requestLogger writes one line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		streamed := ww.Header().Get("Content-Type") == "text/event-stream"
		metrics.ObserveRequest(route, s.modeFor(route), status, streamed, start)
		logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).Round(time.Millisecond),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func firstErr(ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	default:
		return nil
	}
}

func (s *Server) register(addr net.Addr) {
	reg := Registration{
		Host:      s.cfg.ListenAddr,
		PID:       os.Getpid(),
		StartedAt: time.Now().UTC(),
		Version:   version.String(),
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		reg.Port = tcp.Port
		if tcp.IP != nil && !tcp.IP.IsUnspecified() {
			reg.Host = tcp.IP.String()
		} else if host, _, err := net.SplitHostPort(s.cfg.ListenAddr); err == nil {
			reg.Host = host
		}
	}
	s.registration.Store(&reg)
	if s.deps.RegistrationPath == "" {
		return
	}
	if err := WriteRegistration(s.deps.RegistrationPath, reg); err != nil {
		logger.Warn("write server registration", "err", err)
	}
}

func (s *Server) unregister() {
	if s.deps.RegistrationPath == "" {
		return
	}
	if err := RemoveRegistration(s.deps.RegistrationPath); err != nil {
		logger.Warn("remove server registration", "err", err)
	}
}
