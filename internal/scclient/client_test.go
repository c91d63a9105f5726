package scclient_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rat-data/scgateway/internal/scclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withTimeout(d time.Duration) func(context.Context) (context.Context, context.CancelFunc) {
	return func(ctx context.Context) (context.Context, context.CancelFunc) {
		return context.WithTimeout(ctx, d)
	}
}

func TestFactory_Call_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/x-protobuf", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Write([]byte("response-body"))
	}))
	defer srv.Close()

	f := scclient.NewFactory(srv.Client(), srv.URL, func() string { return "tok" }, nil)
	res, err := f.Call(context.Background(), scclient.CallOptions{
		PathSuffix: ":check",
		Body:       []byte("request-body"),
		Timeout:    withTimeout(time.Second),
		OpName:     "check",
	})
	require.NoError(t, err)
	assert.Equal(t, "response-body", string(res.Body))
}

func TestFactory_Call_MissingCredentialsShortCircuits(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	f := scclient.NewFactory(srv.Client(), srv.URL, func() string { return "" }, nil)
	_, err := f.Call(context.Background(), scclient.CallOptions{PathSuffix: ":check", Timeout: withTimeout(time.Second)})
	assert.ErrorIs(t, err, scclient.ErrMissingCredentials)
	assert.False(t, called, "no network call should be attempted without credentials")
}

func TestFactory_Call_RetriesOn5xx(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := scclient.NewFactory(srv.Client(), srv.URL, func() string { return "tok" }, nil)
	_, err := f.Call(context.Background(), scclient.CallOptions{
		PathSuffix: ":check",
		Timeout:    withTimeout(time.Second),
		Retries:    2,
		OpName:     "check",
	})
	assert.Error(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt32(&attempts), "1 initial attempt + 2 retries")
}

func TestFactory_Call_NoRetryOn4xx(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	f := scclient.NewFactory(srv.Client(), srv.URL, func() string { return "tok" }, nil)
	_, err := f.Call(context.Background(), scclient.CallOptions{
		PathSuffix: ":check",
		Timeout:    withTimeout(time.Second),
		Retries:    2,
		OpName:     "check",
	})
	assert.Error(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&attempts), "4xx responses must not be retried")
}

func TestFactory_Shutdown_CancelsInFlightCalls(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	f := scclient.NewFactory(srv.Client(), srv.URL, func() string { return "tok" }, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := f.Call(context.Background(), scclient.CallOptions{PathSuffix: ":check", Timeout: withTimeout(5 * time.Second)})
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	f.Shutdown()

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Call did not return after Shutdown")
	}
}
