package token

// BearerHeaderValue formats a fetched token as an Authorization header
// value. Callers should not call it with an empty token — a missing
// credential is meant to short-circuit the request before a header is
// ever built (see scclient's missing-credentials handling).
func BearerHeaderValue(tok Token) string {
	return "Bearer " + tok.Value
}
