// Package token implements the credential suppliers that feed bearer
// tokens to the Service Control client (C5): instance-metadata (IMDS),
// IAM delegated tokens, and self-signed service-account JWTs. A
// Subscriber wraps one Source with a refresh loop that keeps a fresh
// token available ahead of its expiry.
package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind distinguishes the two token categories a Subscriber can refresh.
type Kind int

const (
	// AccessToken is sent to the Service Control / quota endpoint.
	AccessToken Kind = iota
	// IdentityToken is sent to the protected backend.
	IdentityToken
)

func (k Kind) String() string {
	if k == IdentityToken {
		return "identity_token"
	}
	return "access_token"
}

// ErrorBehavior controls what a Subscriber does when every fetch attempt
// so far has failed.
type ErrorBehavior int

const (
	// BlockInit leaves the subscription not-ready until a fetch succeeds.
	BlockInit ErrorBehavior = iota
	// AlwaysInit marks the subscription ready even if fetches keep
	// failing, so dependent config can still come up (fail-open).
	AlwaysInit
)

// Token is a fetched credential plus its remaining lifetime as observed
// at fetch time.
type Token struct {
	Value     string
	ExpiresIn time.Duration
}

// ErrInvalidHeaderValue is returned when a fetched token contains bytes
// that are not legal in an HTTP header value; such tokens are treated
// as failures rather than propagated to callers.
var ErrInvalidHeaderValue = errors.New("token: fetched value is not a valid HTTP header value")

// ErrPreconditionsNotMet is returned by a Source when it cannot build a
// request yet (for example, an IAM source waiting on its bootstrap
// access token). It is not logged as an error — it is an expected,
// transient condition.
var ErrPreconditionsNotMet = errors.New("token: preconditions not met")

// Source fetches one token from a single upstream (IMDS, IAM, or a
// local JWT signer).
type Source interface {
	FetchToken(ctx context.Context) (Token, error)
}

// validHeaderValue reports whether s is safe to use as an HTTP header
// field value (no control characters, consistent with net/http's own
// validation for outgoing headers).
func validHeaderValue(s string) bool {
	for i := 0; i < len(s); i++ {
		b := s[i]
		if b < 0x20 && b != '\t' || b == 0x7f {
			return false
		}
	}
	return s != ""
}

func checkHeaderValue(tok Token) error {
	if !validHeaderValue(tok.Value) {
		return ErrInvalidHeaderValue
	}
	return nil
}

// doRequest is the shared HTTP round-trip helper used by imdsSource and
// iamSource: send req with the given client, reject non-200 responses
// without attempting to parse the body.
func doRequest(ctx context.Context, client *http.Client, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("token: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("token: upstream returned status %d", resp.StatusCode)
	}
	return resp, nil
}
