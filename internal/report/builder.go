// Package report populates Service Control report operations — metrics,
// labels, and log entries — from a per-request snapshot, mirroring
// ESPv2's request_builder.cc metric/label/log menus.
package report

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/rat-data/scgateway/internal/scpb"
)

// ApiKeyState reflects the check response's verdict on the caller's API
// key, gating which consumer metrics/labels may be populated.
type ApiKeyState int

const (
	ApiKeyStateNotChecked ApiKeyState = iota
	ApiKeyStateVerified
	ApiKeyStateInvalid
)

// JWTInfo carries the issuer/audience pulled from a verified JWT, used
// to populate /credential_id when no API key is present.
type JWTInfo struct {
	Issuer   string
	Audience string
}

// RequestInfo is the per-request snapshot the report builder consumes.
// It is assembled by the handler (C7) over the lifetime of one request.
type RequestInfo struct {
	ServiceConfigID string
	ServiceAgentVersion string

	OperationID       string
	OperationName     string
	ApiMethod         string
	ApiVersion        string
	ApiKey            string
	ApiKeyState       ApiKeyState
	JWT               *JWTInfo
	ConsumerProjectID string // non-empty only when check succeeded

	Method       string
	URL          string
	ResponseCode int
	RequestSize  int64
	ResponseSize int64
	RemoteIP     string
	Referer      string

	RequestLatency  time.Duration
	BackendLatency  time.Duration
	OverheadLatency time.Duration

	Location time.Time // request start, used for the log entry timestamp
	Zone     string
	LogNames []string

	// RequestHeaders holds the subset of downstream request headers
	// named in ServiceConfig.LogRequestHeaders, already resolved by the
	// handler (C7) so this package never needs the header name list.
	RequestHeaders map[string]string
}

const (
	consumerIDApiKeyPrefix = "api_key:"
	credentialIDApiKeyPrefix = "apikey:"
	defaultLocation          = "global"
)

// ErrIncompleteOperation is returned when OperationID or OperationName is
// empty: the operation cannot be attributed to any configured method.
var ErrIncompleteOperation = fmt.Errorf("report: operation_id and operation_name are required")

// Build populates the primary report operation for info, plus an
// optional by-consumer secondary operation (nil when the check never
// resolved a consumer project, matching ESPv2's AppendByConsumerOperations
// gating).
func Build(info RequestInfo, now time.Time) (scpb.ReportOperation, *scpb.ReportOperation, error) {
	if info.OperationID == "" || info.OperationName == "" {
		return scpb.ReportOperation{}, nil, ErrIncompleteOperation
	}

	primary := buildPrimary(info, now)

	var byConsumer *scpb.ReportOperation
	if info.ConsumerProjectID != "" {
		op := buildByConsumer(info, now)
		byConsumer = &op
	}
	return primary, byConsumer, nil
}

func buildPrimary(info RequestInfo, now time.Time) scpb.ReportOperation {
	op := scpb.ReportOperation{
		Operation: scpb.Operation{
			OperationID:   info.OperationID,
			OperationName: info.OperationName,
			ConsumerID:    consumerID(info),
			StartTimeUnix: now.Unix(),
			Labels:        labels(info, false),
		},
	}

	sendConsumerMetric := info.ApiKeyState == ApiKeyStateVerified
	op.MetricValueSets = metricSets(info, sendConsumerMetric, false)
	op.LogEntries = logEntries(info, now)
	return op
}

func buildByConsumer(info RequestInfo, now time.Time) scpb.ReportOperation {
	op := scpb.ReportOperation{
		Operation: scpb.Operation{
			OperationID:   info.OperationID + "1",
			OperationName: info.OperationName,
			StartTimeUnix: now.Unix(),
		},
	}
	if info.ApiKeyState == ApiKeyStateVerified {
		op.Operation.ConsumerID = consumerIDApiKeyPrefix + info.ApiKey
	}
	op.Operation.Labels = labels(info, true)
	op.MetricValueSets = metricSets(info, false, true)
	return op
}

func consumerID(info RequestInfo) string {
	if info.ApiKeyState == ApiKeyStateVerified {
		return consumerIDApiKeyPrefix + info.ApiKey
	}
	return ""
}

// credentialID implements the /credential_id label rule: apikey:<key>
// when verified, else jwtauth:issuer=...[&audience=...] when JWT info
// is present, else empty (label omitted).
func credentialID(info RequestInfo) string {
	if info.ApiKeyState == ApiKeyStateVerified {
		return credentialIDApiKeyPrefix + info.ApiKey
	}
	if info.JWT != nil && info.JWT.Issuer != "" {
		id := "jwtauth:issuer=" + base64.RawURLEncoding.EncodeToString([]byte(info.JWT.Issuer))
		if info.JWT.Audience != "" {
			id += "&audience=" + base64.RawURLEncoding.EncodeToString([]byte(info.JWT.Audience))
		}
		return id
	}
	return ""
}

func responseCodeClass(code int) string {
	class := code / 100
	if class < 0 || class > 5 {
		class = 0
	}
	return strconv.Itoa(class) + "xx"
}

func labels(info RequestInfo, byConsumerOnly bool) map[string]string {
	l := make(map[string]string)
	if cid := credentialID(info); cid != "" {
		l["/credential_id"] = cid
	}
	l["/response_code_class"] = responseCodeClass(info.ResponseCode)
	location := info.Zone
	if location == "" {
		location = defaultLocation
	}
	l["cloud.googleapis.com/location"] = location
	if !byConsumerOnly {
		l["serviceruntime.googleapis.com/api_method"] = info.ApiMethod
		l["serviceruntime.googleapis.com/api_version"] = info.ApiVersion
	}
	return l
}
