package scclient

import (
	"crypto/x509"
	"fmt"
	"net/http"
)

func certPoolFromPEM(pem []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("scclient: failed to parse CA certificate")
	}
	return pool, nil
}

// httpToGRPC maps an HTTP status code to the gRPC status code an Envoy
// proxy would derive from it, matching the mapping table used
// throughout the gateway for upstream-error translation.
func httpToGRPC(status int) int {
	switch status {
	case http.StatusOK:
		return 0 // OK
	case http.StatusBadRequest:
		return 3 // InvalidArgument
	case http.StatusUnauthorized:
		return 16 // Unauthenticated
	case http.StatusForbidden:
		return 7 // PermissionDenied
	case http.StatusNotFound:
		return 5 // NotFound
	case http.StatusConflict:
		return 10 // Aborted
	case http.StatusTooManyRequests:
		return 8 // ResourceExhausted
	case 499: // Client Closed Request
		return 1 // Cancelled
	case http.StatusNotImplemented:
		return 12 // Unimplemented
	case http.StatusServiceUnavailable:
		return 14 // Unavailable
	case http.StatusGatewayTimeout:
		return 4 // DeadlineExceeded
	default:
		switch {
		case status >= 200 && status < 300:
			return 0
		case status >= 500:
			return 13 // Internal
		default:
			return 2 // Unknown
		}
	}
}
