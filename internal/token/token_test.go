package token_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rat-data/scgateway/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIMDSSource_AccessToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Google", r.Header.Get("Metadata-Flavor"))
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-123", "expires_in": 3600})
	}))
	defer srv.Close()

	src := token.NewIMDSSource(srv.Client(), srv.URL, token.AccessToken)
	tok, err := src.FetchToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-123", tok.Value)
	assert.Equal(t, 3600*time.Second, tok.ExpiresIn)
}

func TestIMDSSource_IdentityTokenIsRawBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("raw-identity-token"))
	}))
	defer srv.Close()

	src := token.NewIMDSSource(srv.Client(), srv.URL, token.IdentityToken)
	tok, err := src.FetchToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "raw-identity-token", tok.Value)
	assert.True(t, tok.ExpiresIn > 0)
}

func TestIMDSSource_NonOKStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	src := token.NewIMDSSource(srv.Client(), srv.URL, token.AccessToken)
	_, err := src.FetchToken(context.Background())
	assert.Error(t, err)
}

func TestIMDSSource_InvalidHeaderCharactersRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "bad\ntoken", "expires_in": 3600})
	}))
	defer srv.Close()

	src := token.NewIMDSSource(srv.Client(), srv.URL, token.AccessToken)
	_, err := src.FetchToken(context.Background())
	assert.ErrorIs(t, err, token.ErrInvalidHeaderValue)
}

func TestIAMSource_WaitsOnBootstrapToken(t *testing.T) {
	src := token.NewIAMSource(http.DefaultClient, token.IAMRequest{URL: "http://unused"}, func() string { return "" })
	_, err := src.FetchToken(context.Background())
	assert.ErrorIs(t, err, token.ErrPreconditionsNotMet)
}

func TestIAMSource_AccessToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer bootstrap-tok", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.ElementsMatch(t, []any{"projects/-/serviceAccounts/sa@example.com"}, body["delegates"])
		json.NewEncoder(w).Encode(map[string]any{
			"accessToken": "iam-tok",
			"expireTime":  time.Now().Add(time.Hour).Format(time.RFC3339),
		})
	}))
	defer srv.Close()

	req := token.IAMRequest{
		URL:       srv.URL,
		Kind:      token.AccessToken,
		Delegates: []string{"sa@example.com"},
		Scopes:    []string{"https://www.googleapis.com/auth/cloud-platform"},
	}
	src := token.NewIAMSource(srv.Client(), req, func() string { return "bootstrap-tok" })
	tok, err := src.FetchToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "iam-tok", tok.Value)
	assert.True(t, tok.ExpiresIn > 50*time.Minute)
}

func TestIAMSource_IdentityToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"token": "id-tok"})
	}))
	defer srv.Close()

	req := token.IAMRequest{URL: srv.URL, Kind: token.IdentityToken, Audience: "https://backend.example.com"}
	src := token.NewIAMSource(srv.Client(), req, func() string { return "bootstrap-tok" })
	tok, err := src.FetchToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "id-tok", tok.Value)
}

func TestBearerHeaderValue(t *testing.T) {
	assert.Equal(t, "Bearer abc", token.BearerHeaderValue(token.Token{Value: "abc"}))
}
