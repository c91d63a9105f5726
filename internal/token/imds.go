package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const metadataFlavorHeader = "Metadata-Flavor"
const metadataFlavorValue = "Google"

// defaultIdentityTokenExpiry is used for identity-token responses, which
// carry no expiry of their own in the IMDS wire format.
const defaultIdentityTokenExpiry = 3599 * time.Second

// imdsSource fetches tokens from the GCE metadata server. Access-token
// responses are JSON {access_token, expires_in}; identity-token
// responses are the raw token body.
type imdsSource struct {
	client *http.Client
	url    string
	kind   Kind
}

// NewIMDSSource builds a Source that issues GET requests against url
// (a full metadata-server token endpoint) with Metadata-Flavor: Google.
func NewIMDSSource(client *http.Client, url string, kind Kind) Source {
	if client == nil {
		client = http.DefaultClient
	}
	return &imdsSource{client: client, url: url, kind: kind}
}

func (s *imdsSource) FetchToken(ctx context.Context) (Token, error) {
	req, err := http.NewRequest(http.MethodGet, s.url, nil)
	if err != nil {
		return Token{}, fmt.Errorf("token: building IMDS request: %w", err)
	}
	req.Header.Set(metadataFlavorHeader, metadataFlavorValue)

	resp, err := doRequest(ctx, s.client, req)
	if err != nil {
		return Token{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Token{}, fmt.Errorf("token: reading IMDS response: %w", err)
	}

	var tok Token
	if s.kind == IdentityToken {
		tok = Token{Value: string(body), ExpiresIn: defaultIdentityTokenExpiry}
	} else {
		tok, err = parseIMDSAccessToken(body)
		if err != nil {
			return Token{}, err
		}
	}

	if err := checkHeaderValue(tok); err != nil {
		return Token{}, err
	}
	return tok, nil
}

func parseIMDSAccessToken(body []byte) (Token, error) {
	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Token{}, fmt.Errorf("token: parsing IMDS access-token response: %w", err)
	}
	if payload.AccessToken == "" {
		return Token{}, fmt.Errorf("token: IMDS response missing access_token field")
	}
	return Token{Value: payload.AccessToken, ExpiresIn: time.Duration(payload.ExpiresIn) * time.Second}, nil
}
