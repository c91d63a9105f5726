// scgatewayd is a demo front door for the Service-Control gateway core:
// it wires config, the path matcher, the Service Control client and
// aggregator, and the per-request handler behind a chi router, then
// forwards allowed requests opaquely to a configured backend.
package main

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rat-data/scgateway/internal/aggregator"
	"github.com/rat-data/scgateway/internal/config"
	"github.com/rat-data/scgateway/internal/handler"
	"github.com/rat-data/scgateway/internal/pathmatcher"
	"github.com/rat-data/scgateway/internal/scclient"
	"github.com/rat-data/scgateway/internal/scwire"
	"github.com/rat-data/scgateway/internal/stats"
	"github.com/rat-data/scgateway/internal/token"
)

// validateEnv checks that optional environment variables, when set,
// have a valid shape before anything is wired against them.
func validateEnv() []string {
	var errs []string

	if addr := os.Getenv("SCGATEWAY_LISTEN_ADDR"); addr != "" {
		if _, _, err := splitHostPortLoose(addr); err != nil {
			errs = append(errs, fmt.Sprintf("SCGATEWAY_LISTEN_ADDR=%q: must be host:port (%v)", addr, err))
		}
	}
	if backend := os.Getenv("SCGATEWAY_BACKEND_ADDR"); backend != "" {
		if _, err := url.ParseRequestURI(backend); err != nil {
			errs = append(errs, fmt.Sprintf("SCGATEWAY_BACKEND_ADDR=%q: must be a valid URL (%v)", backend, err))
		}
	}
	if keyPath := os.Getenv("SCGATEWAY_SERVICE_ACCOUNT_KEY"); keyPath != "" {
		if _, err := os.Stat(keyPath); err != nil {
			errs = append(errs, fmt.Sprintf("SCGATEWAY_SERVICE_ACCOUNT_KEY=%q: %v", keyPath, err))
		}
	}
	return errs
}

func splitHostPortLoose(addr string) (string, string, error) {
	idx := strings.LastIndexByte(addr, ':')
	if idx < 0 {
		return "", "", fmt.Errorf("missing ':'")
	}
	return addr[:idx], addr[idx+1:], nil
}

// serviceAccountKeyFile is the subset of a GCP service-account JSON key
// this gateway needs to mint self-signed JWTs.
type serviceAccountKeyFile struct {
	ClientEmail  string `json:"client_email"`
	PrivateKey   string `json:"private_key"`
	PrivateKeyID string `json:"private_key_id"`
}

func loadServiceAccountKey(path string) (token.ServiceAccountKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return token.ServiceAccountKey{}, fmt.Errorf("reading service account key: %w", err)
	}
	var raw serviceAccountKeyFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return token.ServiceAccountKey{}, fmt.Errorf("parsing service account key: %w", err)
	}

	block, _ := pem.Decode([]byte(raw.PrivateKey))
	if block == nil {
		return token.ServiceAccountKey{}, fmt.Errorf("service account key: no PEM block found")
	}
	key, err := parseRSAPrivateKey(block.Bytes)
	if err != nil {
		return token.ServiceAccountKey{}, fmt.Errorf("service account key: %w", err)
	}

	return token.ServiceAccountKey{ClientEmail: raw.ClientEmail, PrivateKey: key, KeyID: raw.PrivateKeyID}, nil
}

func parseRSAPrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("not a recognized PKCS1/PKCS8 RSA key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return rsaKey, nil
}

// tokenHolder is a TokenFunc backed by an atomically-swapped string,
// fed by a token.Subscriber's refresh callback.
type tokenHolder struct {
	v atomic.Value
}

func newTokenHolder() *tokenHolder {
	h := &tokenHolder{}
	h.v.Store("")
	return h
}

func (h *tokenHolder) set(tok token.Token) { h.v.Store(tok.Value) }
func (h *tokenHolder) Get() string         { return h.v.Load().(string) }

func main() {
	baseHandler := slog.NewJSONHandler(os.Stdout, nil)
	logger := slog.New(baseHandler)
	slog.SetDefault(logger)

	if errs := validateEnv(); len(errs) > 0 {
		for _, e := range errs {
			slog.Error("invalid environment variable", "error", e)
		}
		os.Exit(1)
	}

	configPath := config.ResolvePath()
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	slog.Info("config loaded", "path", configPath, "service", cfg.Service.ServiceName)

	builder := pathmatcher.NewBuilder()
	for name, req := range cfg.Requirements {
		if req.HTTPMethod == "" {
			continue
		}
		if !builder.Register(req.HTTPMethod, req.PathTemplate, "", name) {
			slog.Error("failed to register route", "operation", name, "method", req.HTTPMethod, "path_template", req.PathTemplate)
			os.Exit(1)
		}
	}
	matcher := builder.Build()

	// Credential supplier: a configured service-account key mints
	// self-signed JWTs locally; otherwise fall back to the GCE metadata
	// server, matching ESPv2's deployment-environment-driven choice.
	holder := newTokenHolder()
	var source token.Source
	if keyPath := os.Getenv("SCGATEWAY_SERVICE_ACCOUNT_KEY"); keyPath != "" {
		key, err := loadServiceAccountKey(keyPath)
		if err != nil {
			slog.Error("failed to load service account key", "error", err)
			os.Exit(1)
		}
		source = token.NewJWTSource(key, cfg.Service.ServiceControlURI)
		slog.Info("token source: self-signed JWT", "client_email", key.ClientEmail)
	} else {
		imdsURL := "http://metadata.google.internal/computeMetadata/v1/instance/service-accounts/default/token"
		source = token.NewIMDSSource(http.DefaultClient, imdsURL, token.AccessToken)
		slog.Info("token source: IMDS", "url", imdsURL)
	}

	sub := token.NewSubscriber("service-control", source, token.AlwaysInit, holder.set, logger)
	ctx, cancel := context.WithCancel(context.Background())
	sub.Start(ctx)
	if err := sub.Ready(ctx); err != nil {
		slog.Warn("token subscriber not ready yet, continuing (fail-open)", "error", err)
	}

	var tlsCfg scclient.TLSConfig
	if caPath := os.Getenv("SCGATEWAY_SC_TLS_CA"); caPath != "" {
		caCert, err := os.ReadFile(caPath)
		if err != nil {
			slog.Error("failed to read CA cert", "error", err)
			os.Exit(1)
		}
		tlsCfg.CACertPEM = caCert
	}
	httpClient, err := scclient.NewHTTPClient(tlsCfg)
	if err != nil {
		slog.Error("failed to build service control http client", "error", err)
		os.Exit(1)
	}

	baseURL := strings.TrimRight(cfg.Service.ServiceControlURI, "/") + "/v1/services/" + cfg.Service.ServiceName
	factory := scclient.NewFactory(httpClient, baseURL, holder.Get, logger)

	ms := func(n int64) time.Duration { return time.Duration(n) * time.Millisecond }
	checkFn := scwire.Check(factory, ms(cfg.Calling.CheckTimeoutMs), cfg.Calling.CheckRetries)
	quotaFn := scwire.Quota(factory, ms(cfg.Calling.QuotaTimeoutMs), cfg.Calling.QuotaRetries)
	reportFn := scwire.Report(factory, ms(cfg.Calling.ReportTimeoutMs), cfg.Calling.ReportRetries)

	checkCache := aggregator.NewCheckCache(checkFn, aggregator.CheckCacheOptions{NetworkFailOpen: cfg.Calling.NetworkFailOpen}, logger)
	quotaAgg := aggregator.NewQuotaAggregator(quotaFn, 0, cfg.Calling.QuotaRetries, logger)
	reportBatcher := aggregator.NewReportBatcher(reportFn, cfg.Service.ServiceName, cfg.Service.ServiceConfigID, 0, 0, cfg.Calling.ReportRetries, logger)

	agg := aggregator.New(checkCache, quotaAgg, reportBatcher)
	agg.Start(ctx)

	promReg := prometheus.NewRegistry()
	statsReg := stats.New("service_control")
	statsReg.MustRegister(promReg)

	h := handler.New(matcher, cfg.Requirements, cfg.Service, cfg.Calling, checkCache, quotaAgg, reportBatcher, statsReg, logger)

	var backend *httputil.ReverseProxy
	if backendAddr := os.Getenv("SCGATEWAY_BACKEND_ADDR"); backendAddr != "" {
		target, err := url.Parse(backendAddr)
		if err != nil {
			slog.Error("invalid backend address", "error", err)
			os.Exit(1)
		}
		backend = httputil.NewSingleHostReverseProxy(target)
		slog.Info("backend forwarding enabled", "addr", backendAddr)
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if holder.Get() == "" {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("waiting on credentials"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		serveGatewayRequest(w, req, h, backend)
	})

	addr := os.Getenv("SCGATEWAY_LISTEN_ADDR")
	if addr == "" {
		addr = "127.0.0.1:8080"
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
		TLSConfig:         &tls.Config{MinVersion: tls.VersionTLS13},
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	slog.Info("starting scgatewayd", "addr", addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	agg.Stop()
	sub.Close()
	factory.Shutdown()
	cancel()

	slog.Info("scgatewayd shutdown complete")
}

// serveGatewayRequest runs one request through the handler and either
// writes a local deny response or forwards it opaquely to backend.
func serveGatewayRequest(w http.ResponseWriter, req *http.Request, h *handler.Handler, backend *httputil.ReverseProxy) {
	decision, err := h.Handle(req.Context(), handler.Request{
		Method:      req.Method,
		Path:        req.URL.RequestURI(),
		Header:      req.Header,
		RemoteAddr:  req.RemoteAddr,
		RequestSize: req.ContentLength,
		Referer:     req.Referer(),
		Start:       time.Now(),
	})
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !decision.Allow {
		http.Error(w, decision.Message, decision.HTTPStatus)
		return
	}
	for k, v := range decision.ForwardHeaders {
		req.Header.Set(k, v)
	}
	if backend != nil {
		backend.ServeHTTP(w, req)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "allowed\n")
}
