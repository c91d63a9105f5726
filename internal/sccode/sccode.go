// Package sccode maps Service Control error codes — as returned in a
// check or allocateQuota response — to the (HTTP status, error-type
// tag, stat counter) triple the rest of the gateway consumes. One table
// backs both response converters, per spec §4.9's consolidation note.
package sccode

import "net/http"

// ErrorType is the coarse taxonomy tag attached to a response error for
// stats and response-code-detail strings.
type ErrorType string

const (
	Unspecified         ErrorType = "Unspecified"
	ConsumerError       ErrorType = "ConsumerError"
	ConsumerQuota       ErrorType = "ConsumerQuota"
	ApiKeyInvalid       ErrorType = "ApiKeyInvalid"
	ServiceNotActivated ErrorType = "ServiceNotActivated"
	ConsumerBlocked     ErrorType = "ConsumerBlocked"
)

// Status is a user-visible outcome: an HTTP status plus the taxonomy
// tag and stat counter name driven by that status.
type Status struct {
	HTTPStatus int
	ErrorType  ErrorType
	// Counter is the "denied_*" stat suffix this code is tallied under.
	Counter string
}

// table maps upstream Service Control error codes (as returned in the
// response body's error.code field) to their Status. Codes not present
// here fall back to Internal/Unspecified via Lookup.
var table = map[string]Status{
	"NOT_FOUND":        {http.StatusBadRequest, ConsumerError, "denied_consumer_error"},
	"PROJECT_INVALID":  {http.StatusBadRequest, ConsumerError, "denied_consumer_error"},

	"RESOURCE_EXHAUSTED": {http.StatusTooManyRequests, ConsumerQuota, "denied_consumer_quota"},

	"API_KEY_NOT_FOUND": {http.StatusBadRequest, ApiKeyInvalid, "denied_consumer_error"},
	"API_KEY_EXPIRED":   {http.StatusBadRequest, ApiKeyInvalid, "denied_consumer_error"},
	"API_KEY_INVALID":   {http.StatusBadRequest, ApiKeyInvalid, "denied_consumer_error"},

	"SERVICE_NOT_ACTIVATED": {http.StatusForbidden, ServiceNotActivated, "denied_consumer_error"},

	"IP_ADDRESS_BLOCKED":  {http.StatusForbidden, ConsumerBlocked, "denied_consumer_blocked"},
	"REFERER_BLOCKED":     {http.StatusForbidden, ConsumerBlocked, "denied_consumer_blocked"},
	"CLIENT_APP_BLOCKED":  {http.StatusForbidden, ConsumerBlocked, "denied_consumer_blocked"},
	"API_TARGET_BLOCKED":  {http.StatusForbidden, ConsumerBlocked, "denied_consumer_blocked"},

	"PERMISSION_DENIED":  {http.StatusForbidden, ConsumerError, "denied_consumer_error"},
	"PROJECT_DELETED":    {http.StatusForbidden, ConsumerError, "denied_consumer_error"},
	"BILLING_DISABLED":   {http.StatusForbidden, ConsumerError, "denied_consumer_error"},
	"INVALID_CREDENTIAL": {http.StatusForbidden, ConsumerError, "denied_consumer_error"},
	"CONSUMER_INVALID":   {http.StatusForbidden, ConsumerError, "denied_consumer_error"},

	"NAMESPACE_LOOKUP_UNAVAILABLE":               {http.StatusServiceUnavailable, Unspecified, "denied_control_plane_fault"},
	"SERVICE_STATUS_UNAVAILABLE":                 {http.StatusServiceUnavailable, Unspecified, "denied_control_plane_fault"},
	"BILLING_STATUS_UNAVAILABLE":                 {http.StatusServiceUnavailable, Unspecified, "denied_control_plane_fault"},
	"CLOUD_RESOURCE_MANAGER_BACKEND_UNAVAILABLE": {http.StatusServiceUnavailable, Unspecified, "denied_control_plane_fault"},
}

// defaultStatus is returned for any code absent from table.
var defaultStatus = Status{HTTPStatus: http.StatusInternalServerError, ErrorType: Unspecified, Counter: "denied_producer_error"}

// Lookup resolves code (the upstream error enum's name) to its Status.
// Unknown codes map to Internal/Unspecified/denied_producer_error, as
// they come from the control plane itself, not the consumer.
func Lookup(code string) Status {
	if s, ok := table[code]; ok {
		return s
	}
	return defaultStatus
}

// ServiceNameMessage builds the PermissionDenied message for
// SERVICE_NOT_ACTIVATED, which must include the service name.
func ServiceNameMessage(serviceName string) string {
	return "Method doesn't allow unregistered callers (callers without established identity). Please use API Key or other form of API consumer identity to call this API. Service: " + serviceName
}
