package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// delegatePrefix is prepended to each entry of an IAM delegate chain
// unless the entry already carries it, per
// projects.serviceAccounts/generateIdToken's documented format.
const delegatePrefix = "projects/-/serviceAccounts/"

// IAMRequest describes one IAM-source configuration: the target
// generateAccessToken / generateIdToken endpoint, a delegate chain, and
// (for access tokens) the requested OAuth scopes.
type IAMRequest struct {
	URL           string
	Kind          Kind
	Delegates     []string
	Scopes        []string
	IncludeEmail  bool
	Audience      string // used for identity-token requests
}

// iamSource fetches tokens from the IAM credentials API, authenticating
// with a bootstrap access token supplied by accessTokenFn. Until that
// function returns a non-empty value, FetchToken reports
// ErrPreconditionsNotMet rather than attempting a request.
type iamSource struct {
	client        *http.Client
	req           IAMRequest
	accessTokenFn func() string
}

// NewIAMSource builds a Source that calls the IAM credentials API.
// accessTokenFn supplies the bootstrap bearer token used to
// authenticate the call; it is consulted on every fetch.
func NewIAMSource(client *http.Client, req IAMRequest, accessTokenFn func() string) Source {
	if client == nil {
		client = http.DefaultClient
	}
	return &iamSource{client: client, req: req, accessTokenFn: accessTokenFn}
}

func (s *iamSource) FetchToken(ctx context.Context) (Token, error) {
	bootstrap := s.accessTokenFn()
	if bootstrap == "" {
		return Token{}, ErrPreconditionsNotMet
	}

	body, err := s.buildRequestBody()
	if err != nil {
		return Token{}, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, s.req.URL, bytes.NewReader(body))
	if err != nil {
		return Token{}, fmt.Errorf("token: building IAM request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+bootstrap)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := doRequest(ctx, s.client, httpReq)
	if err != nil {
		return Token{}, err
	}
	defer resp.Body.Close()

	var tok Token
	if s.req.Kind == IdentityToken {
		tok, err = parseIAMIdentityToken(resp.Body)
	} else {
		tok, err = parseIAMAccessToken(resp.Body)
	}
	if err != nil {
		return Token{}, err
	}

	if err := checkHeaderValue(tok); err != nil {
		return Token{}, err
	}
	return tok, nil
}

func (s *iamSource) buildRequestBody() ([]byte, error) {
	payload := map[string]any{}

	if len(s.req.Delegates) > 0 {
		delegates := make([]string, len(s.req.Delegates))
		for i, d := range s.req.Delegates {
			if strings.HasPrefix(d, delegatePrefix) {
				delegates[i] = d
			} else {
				delegates[i] = delegatePrefix + d
			}
		}
		payload["delegates"] = delegates
	}

	if s.req.Kind == IdentityToken {
		payload["audience"] = s.req.Audience
		payload["includeEmail"] = s.req.IncludeEmail
	} else {
		if len(s.req.Scopes) > 0 {
			payload["scope"] = s.req.Scopes
		}
		payload["includeEmail"] = s.req.IncludeEmail
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("token: encoding IAM request body: %w", err)
	}
	return body, nil
}

func parseIAMAccessToken(r interface{ Read([]byte) (int, error) }) (Token, error) {
	var payload struct {
		AccessToken string    `json:"accessToken"`
		ExpireTime  time.Time `json:"expireTime"`
	}
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return Token{}, fmt.Errorf("token: parsing IAM access-token response: %w", err)
	}
	if payload.AccessToken == "" {
		return Token{}, fmt.Errorf("token: IAM response missing accessToken field")
	}
	expiresIn := time.Until(payload.ExpireTime)
	if expiresIn <= 0 {
		return Token{}, fmt.Errorf("token: IAM access token already expired at fetch time")
	}
	return Token{Value: payload.AccessToken, ExpiresIn: expiresIn}, nil
}

func parseIAMIdentityToken(r interface{ Read([]byte) (int, error) }) (Token, error) {
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return Token{}, fmt.Errorf("token: parsing IAM identity-token response: %w", err)
	}
	if payload.Token == "" {
		return Token{}, fmt.Errorf("token: IAM response missing token field")
	}
	return Token{Value: payload.Token, ExpiresIn: defaultIdentityTokenExpiry}, nil
}
