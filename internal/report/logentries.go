package report

import (
	"time"

	"github.com/rat-data/scgateway/internal/scpb"
)

const (
	severityInfo  = "INFO"
	severityError = "ERROR"
)

// logEntries builds one LogEntry per configured log name. Severity
// follows the response code; the struct payload carries the fields the
// upstream log viewer expects beyond the HttpRequest sub-structure,
// plus one request_header.<name> entry per header in
// ServiceConfig.LogRequestHeaders that the handler found present.
func logEntries(info RequestInfo, now time.Time) []scpb.LogEntry {
	if len(info.LogNames) == 0 {
		return nil
	}

	severity := severityInfo
	if info.ResponseCode >= 400 {
		severity = severityError
	}

	payload := map[string]string{
		"api_method":       info.ApiMethod,
		"api_version":      info.ApiVersion,
		"api_key_state":    apiKeyStateString(info.ApiKeyState),
		"config_id":        info.ServiceConfigID,
		"producer_project": info.ConsumerProjectID,
	}
	if info.ServiceAgentVersion != "" {
		payload["service_agent"] = "ESPv2/" + info.ServiceAgentVersion
	}
	for k, v := range payload {
		if v == "" {
			delete(payload, k)
		}
	}
	for name, v := range info.RequestHeaders {
		if v != "" {
			payload["request_header."+name] = v
		}
	}

	httpReq := &scpb.HTTPRequestInfo{
		Method:       info.Method,
		URL:          info.URL,
		Status:       int64(info.ResponseCode),
		RequestSize:  info.RequestSize,
		ResponseSize: info.ResponseSize,
		RemoteIP:     info.RemoteIP,
		Referer:      info.Referer,
		LatencyMs:    info.RequestLatency.Milliseconds(),
	}

	entries := make([]scpb.LogEntry, 0, len(info.LogNames))
	for _, name := range info.LogNames {
		entries = append(entries, scpb.LogEntry{
			Name:          name,
			Severity:      severity,
			TimestampUnix: timestampSeconds(now),
			StructPayload: payload,
			HTTPRequest:   httpReq,
		})
	}
	return entries
}

func timestampSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

func apiKeyStateString(s ApiKeyState) string {
	switch s {
	case ApiKeyStateVerified:
		return "VERIFIED"
	case ApiKeyStateInvalid:
		return "INVALID"
	default:
		return "NOT_CHECKED"
	}
}
