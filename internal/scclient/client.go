// Package scclient implements the typed HTTP call factory that
// dispatches check/allocateQuota/report requests to the Service Control
// control plane: protobuf-over-HTTP bodies, bearer auth, exponential
// retry, per-call timeouts, and in-flight-call cancellation tracking.
package scclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/avast/retry-go/v4"
	"golang.org/x/net/http2"
)

const contentTypeProtobuf = "application/x-protobuf"

// ErrMissingCredentials is returned when the configured token function
// yields an empty string; the call short-circuits without touching the
// network.
var ErrMissingCredentials = fmt.Errorf("scclient: missing credentials for call")

// TokenFunc returns the current bearer token, or "" if none is
// available yet.
type TokenFunc func() string

// TLSConfig selects between h2c (cleartext HTTP/2) and TLS transports,
// mirroring the gateway's own upstream transport configuration.
type TLSConfig struct {
	CACertPEM []byte // non-empty enables TLS
}

// NewHTTPClient builds the *http.Client used to reach Service Control.
// Cleartext h2c is used when cfg has no CA certificate configured (e.g.
// talking to a local test double); production deployments set one and
// get a real TLS transport.
func NewHTTPClient(cfg TLSConfig) (*http.Client, error) {
	if len(cfg.CACertPEM) == 0 {
		return &http.Client{
			Transport: &http2.Transport{
				AllowHTTP: true,
				DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
					return (&net.Dialer{}).DialContext(ctx, network, addr)
				},
			},
		}, nil
	}

	pool, err := certPoolFromPEM(cfg.CACertPEM)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Transport: &http2.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
		},
	}, nil
}

// Factory dispatches protobuf-over-HTTP calls to one Service Control
// target (base URL up to and including the service name). It tracks
// in-flight calls so Shutdown can cancel all of them; no callback fires
// after Shutdown.
type Factory struct {
	client  *http.Client
	baseURL string
	token   TokenFunc
	logger  *slog.Logger

	mu      sync.Mutex
	cancels map[int64]context.CancelFunc
	nextID  int64
	closed  bool
}

// NewFactory builds a Factory targeting baseURL (e.g.
// "https://servicecontrol.googleapis.com/v1/services/echo.example.com").
func NewFactory(client *http.Client, baseURL string, token TokenFunc, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		client:  client,
		baseURL: baseURL,
		token:   token,
		logger:  logger,
		cancels: make(map[int64]context.CancelFunc),
	}
}

// CallOptions parameterize a single Call.
type CallOptions struct {
	// PathSuffix is appended to the factory's baseURL, e.g. ":check".
	PathSuffix string
	Body       []byte
	Timeout    func(context.Context) (context.Context, context.CancelFunc)
	Retries    uint
	// OpName labels retry attempts for observability, e.g. "check".
	OpName string
}

// Result is the outcome of a successful Call: the upstream replied 200.
type Result struct {
	Body []byte
}

// UpstreamError is returned for any non-200 response; Code is
// http_to_grpc(StatusCode) and Body is the raw response body (included
// in Error() for visibility).
type UpstreamError struct {
	StatusCode int
	Code       int
	Body       []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("scclient: upstream status %d (grpc code %d): %s", e.StatusCode, e.Code, string(e.Body))
}

// Call performs one protobuf-over-HTTP request, retrying on network
// failure or 5xx per opts.Retries. 4xx responses are not retried.
func (f *Factory) Call(ctx context.Context, opts CallOptions) (Result, error) {
	tok := f.token()
	if tok == "" {
		return Result{}, ErrMissingCredentials
	}

	id, callCtx, cancel := f.registerCall(ctx)
	defer f.unregisterCall(id)
	defer cancel()

	var result Result
	err := retry.Do(
		func() error {
			res, err := f.attempt(callCtx, opts, tok)
			if err != nil {
				return err
			}
			result = res
			return nil
		},
		retry.Context(callCtx),
		retry.Attempts(opts.Retries+1),
		retry.RetryIf(isRetryable),
		retry.OnRetry(func(n uint, err error) {
			f.logger.Warn(fmt.Sprintf("%s - Retry %d", opts.OpName, n), "error", err)
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

func (f *Factory) attempt(ctx context.Context, opts CallOptions, tok string) (Result, error) {
	attemptCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout != nil {
		attemptCtx, cancel = opts.Timeout(ctx)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, f.baseURL+opts.PathSuffix, bytes.NewReader(opts.Body))
	if err != nil {
		return Result{}, fmt.Errorf("scclient: building request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeProtobuf)
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := f.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("scclient: %s: %w", opts.OpName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("scclient: reading response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return Result{}, &UpstreamError{StatusCode: resp.StatusCode, Code: httpToGRPC(resp.StatusCode), Body: body}
	}
	return Result{Body: body}, nil
}

func isRetryable(err error) bool {
	var upstream *UpstreamError
	if ok := asUpstreamError(err, &upstream); ok {
		return upstream.StatusCode >= 500
	}
	// Any other error reaching here is a network-level failure.
	return true
}

func asUpstreamError(err error, target **UpstreamError) bool {
	ue, ok := err.(*UpstreamError)
	if ok {
		*target = ue
	}
	return ok
}

func (f *Factory) registerCall(parent context.Context) (int64, context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		cancel()
		return 0, ctx, cancel
	}
	f.nextID++
	id := f.nextID
	f.cancels[id] = cancel
	return id, ctx, cancel
}

func (f *Factory) unregisterCall(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.cancels, id)
}

// Shutdown cancels every in-flight call. No further callbacks fire for
// calls already in progress.
func (f *Factory) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for id, cancel := range f.cancels {
		cancel()
		delete(f.cancels, id)
	}
}
