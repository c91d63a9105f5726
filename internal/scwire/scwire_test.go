package scwire_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rat-data/scgateway/internal/scclient"
	"github.com/rat-data/scgateway/internal/scpb"
	"github.com/rat-data/scgateway/internal/scwire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck_RoundTripsThroughFactory(t *testing.T) {
	want := scpb.CheckResponse{ConsumerProjectID: "12345"}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/services/echo.example.com:check", r.URL.Path)
		assert.Equal(t, "application/x-protobuf", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		_, err = scpb.UnmarshalCheckRequest(body)
		require.NoError(t, err)
		w.Write(want.Marshal())
	}))
	defer srv.Close()

	factory := scclient.NewFactory(srv.Client(), srv.URL+"/v1/services/echo.example.com", func() string { return "test-token" }, nil)
	checkFn := scwire.Check(factory, 0, 0)

	got, err := checkFn(context.Background(), scpb.CheckRequest{ServiceName: "echo.example.com"})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestQuota_RoundTripsThroughFactory(t *testing.T) {
	want := scpb.QuotaResponse{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/svc:allocateQuota", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	factory := scclient.NewFactory(srv.Client(), srv.URL+"/svc", func() string { return "tok" }, nil)
	quotaFn := scwire.Quota(factory, 0, 0)

	got, err := quotaFn(context.Background(), scpb.QuotaRequest{})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestReport_ReturnsErrorOnUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	factory := scclient.NewFactory(srv.Client(), srv.URL+"/svc", func() string { return "tok" }, nil)
	reportFn := scwire.Report(factory, 0, 0)

	err := reportFn(context.Background(), scpb.ReportRequest{})
	assert.Error(t, err)
}

func TestCheck_MissingCredentials_ReturnsError(t *testing.T) {
	factory := scclient.NewFactory(http.DefaultClient, "http://unused", func() string { return "" }, nil)
	checkFn := scwire.Check(factory, 0, 0)

	_, err := checkFn(context.Background(), scpb.CheckRequest{})
	assert.ErrorIs(t, err, scclient.ErrMissingCredentials)
}
