// Package handler implements the per-request state machine that ties
// the path matcher (C2), the Service Control cache/aggregator (C6), and
// the report builder (C8) together: match the operation, extract the
// API key, run check then quota, decide allow/deny, and enqueue a
// usage report.
package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rat-data/scgateway/internal/aggregator"
	"github.com/rat-data/scgateway/internal/config"
	"github.com/rat-data/scgateway/internal/pathmatcher"
	"github.com/rat-data/scgateway/internal/report"
	"github.com/rat-data/scgateway/internal/sccode"
	"github.com/rat-data/scgateway/internal/scpb"
	"github.com/rat-data/scgateway/internal/stats"
)

// State is the per-request lifecycle stage. Handle reports the stage a
// request ended in through Decision.FinalState.
type State int

const (
	StateInit State = iota
	StateCalling
	StateResponded
	StateComplete
)

const methodOverrideHeader = "X-HTTP-Method-Override"

// consumerIDApiKeyPrefix mirrors report.consumerIDApiKeyPrefix: the
// Operation.consumer_id prefix for an API-key-identified consumer.
const consumerIDApiKeyPrefix = "api_key:"

// unknownOperationName is attached to requests the path matcher could
// not resolve, so a report is still emitted per spec step 1.
const unknownOperationName = "unknown_operation"

// defaultLogNames is the single configured log sink every report entry
// is written to; ESPv2 deployments typically configure exactly one.
var defaultLogNames = []string{"endpoints_log"}

// Request is the per-call snapshot the handler consumes. Built by the
// caller (cmd/scgatewayd's chi front door) from a *http.Request.
type Request struct {
	Method      string
	Path        string // raw request-target, including any query string
	Header      http.Header
	RemoteAddr  string
	RequestSize int64
	Referer     string
	Start       time.Time
}

// Decision is the outcome of Handle: whether to forward the request,
// and what to reply locally when it is denied.
type Decision struct {
	Allow              bool
	HTTPStatus         int
	Message            string
	ResponseCodeDetail string
	ConsumerProjectID  string
	ForwardHeaders     map[string]string
	// FinalState is Complete when the request was forwarded and
	// Responded when the handler sent a local reply.
	FinalState State
}

// Handler owns the config-derived, process-lifetime dependencies one
// worker needs to resolve a request: the path matcher, per-operation
// requirements, and the C6 aggregator feeding the control plane.
type Handler struct {
	Matcher      *pathmatcher.PathMatcher
	Requirements map[string]config.RequirementConfig
	Service      config.ServiceConfig
	Calling      config.CallingConfig

	Check   *aggregator.CheckCache
	Quota   *aggregator.QuotaAggregator
	Reports *aggregator.ReportBatcher
	Stats   *stats.Registry
	Logger  *slog.Logger

	// Now returns the current time; overridable in tests.
	Now func() time.Time
}

// New builds a Handler. logger defaults to slog.Default() if nil.
func New(matcher *pathmatcher.PathMatcher, requirements map[string]config.RequirementConfig, svc config.ServiceConfig, calling config.CallingConfig, check *aggregator.CheckCache, quota *aggregator.QuotaAggregator, reports *aggregator.ReportBatcher, statsReg *stats.Registry, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Matcher:      matcher,
		Requirements: requirements,
		Service:      svc,
		Calling:      calling,
		Check:        check,
		Quota:        quota,
		Reports:      reports,
		Stats:        statsReg,
		Logger:       logger,
		Now:          time.Now,
	}
}

// Handle runs one request through the full pipeline: match, extract key,
// check, quota, decide, report.
func (h *Handler) Handle(ctx context.Context, req Request) (Decision, error) {
	now := h.now()
	if req.Start.IsZero() {
		req.Start = now
	}

	method := req.Method
	if override := req.Header.Get(methodOverrideHeader); override != "" {
		method = override
	}

	rawPath, path := req.Path, stripQuery(req.Path)
	if method == "" {
		return h.badRequest("MISSING_METHOD"), nil
	}
	if path == "" {
		return h.badRequest("MISSING_PATH"), nil
	}

	operationName := unknownOperationName
	md, _, ok := h.Matcher.Lookup(method, rawPath)
	if ok {
		if name, ok := md.MethodHandle.(string); ok {
			operationName = name
		}
	}

	req3 := h.Requirements[operationName]
	skipServiceControl := !ok || req3.SkipServiceControl

	operationID := uuid.New().String()

	info := report.RequestInfo{
		ServiceConfigID: h.Service.ServiceConfigID,
		OperationID:     operationID,
		OperationName:   operationName,
		ApiMethod:       req3.ApiName,
		ApiVersion:      req3.ApiVersion,
		Method:          method,
		URL:             path,
		RequestSize:     req.RequestSize,
		RemoteIP:        h.remoteIP(req),
		Referer:         req.Referer,
		Location:        req.Start,
		Zone:            h.Service.GCPAttributes.Zone,
		LogNames:        defaultLogNames,
		RequestHeaders:  selectHeaders(req.Header, h.Service.LogRequestHeaders),
	}
	if info.Zone == "" {
		info.Zone = "global"
	}

	if skipServiceControl {
		decision := Decision{Allow: true, FinalState: StateComplete}
		info.ResponseCode = http.StatusOK
		h.finish(ctx, info, now, req.Start)
		return decision, nil
	}

	apiKey, keyFound := extractAPIKey(req, req3.ApiKey.Locations)
	if !keyFound && !req3.ApiKey.AllowWithoutApiKey {
		decision := Decision{
			Allow:              false,
			HTTPStatus:         http.StatusUnauthorized,
			Message:            "Method doesn't allow unregistered callers (callers without established identity). Please use API Key or other form of API consumer identity to call this API.",
			ResponseCodeDetail: "service_control_bad_request{MISSING_API_KEY}",
			FinalState:         StateResponded,
		}
		info.ApiKey = ""
		info.ApiKeyState = report.ApiKeyStateNotChecked
		info.ResponseCode = decision.HTTPStatus
		h.Stats.RecordDecision("denied_consumer_error")
		h.finish(ctx, info, now, req.Start)
		return decision, nil
	}
	info.ApiKey = apiKey

	consumerID := ""
	if apiKey != "" {
		consumerID = consumerIDApiKeyPrefix + apiKey
	}

	checkKey := operationName + "|" + consumerID
	checkReq := scpb.CheckRequest{
		ServiceName:     h.Service.ServiceName,
		ServiceConfigID: h.Service.ServiceConfigID,
		Operation: scpb.Operation{
			OperationID:   operationID,
			OperationName: operationName,
			ConsumerID:    consumerID,
			StartTimeUnix: req.Start.Unix(),
		},
	}

	result := h.Check.Get(ctx, checkKey, checkReq)
	switch {
	case result.Err != nil:
		decision := Decision{
			Allow:              false,
			HTTPStatus:         http.StatusServiceUnavailable,
			Message:            "service control check request failed",
			ResponseCodeDetail: "service_control_check_error{Unavailable}",
			FinalState:         StateResponded,
		}
		info.ApiKeyState = report.ApiKeyStateNotChecked
		info.ResponseCode = decision.HTTPStatus
		h.Stats.RecordDecision("denied_control_plane_fault")
		h.finish(ctx, info, now, req.Start)
		return decision, nil
	case result.FailedOpen:
		h.Stats.AllowedControlPlaneFault.Inc()
		info.ApiKeyState = report.ApiKeyStateNotChecked
	case len(result.Response.CheckErrors) > 0:
		ce := result.Response.CheckErrors[0]
		st := sccode.Lookup(ce.Code)
		message := ce.Detail
		if ce.Code == "SERVICE_NOT_ACTIVATED" {
			message = sccode.ServiceNameMessage(h.Service.ServiceName)
		}
		decision := Decision{
			Allow:              false,
			HTTPStatus:         st.HTTPStatus,
			Message:            message,
			ResponseCodeDetail: fmt.Sprintf("service_control_check_error{%s}", st.ErrorType),
			FinalState:         StateResponded,
		}
		if isApiKeyErrorCode(ce.Code) {
			info.ApiKeyState = report.ApiKeyStateInvalid
		} else {
			info.ApiKeyState = report.ApiKeyStateNotChecked
		}
		info.ResponseCode = decision.HTTPStatus
		h.Stats.RecordDecision(st.Counter)
		h.finish(ctx, info, now, req.Start)
		return decision, nil
	default:
		if apiKey != "" {
			info.ApiKeyState = report.ApiKeyStateVerified
		} else {
			info.ApiKeyState = report.ApiKeyStateNotChecked
		}
		info.ConsumerProjectID = result.Response.ConsumerProjectID
	}

	forwardHeaders := map[string]string{}
	if info.ConsumerProjectID != "" {
		forwardHeaders["X-Endpoint-Api-Project-Id"] = info.ConsumerProjectID
	}

	if len(req3.MetricCosts) > 0 {
		metrics := make([]scpb.MetricValue, 0, len(req3.MetricCosts))
		for _, mc := range req3.MetricCosts {
			metrics = append(metrics, scpb.MetricValue{MetricName: mc.Metric, Cost: mc.Cost})
		}
		quotaReq := scpb.QuotaRequest{
			ServiceName:     h.Service.ServiceName,
			ServiceConfigID: h.Service.ServiceConfigID,
			AllocateOperation: scpb.AllocateOperation{
				OperationID:  operationID,
				MethodName:   operationName,
				ConsumerID:   consumerID,
				QuotaMetrics: metrics,
			},
		}
		quotaResult := h.Quota.Allocate(ctx, checkKey, quotaReq)
		switch {
		case quotaResult.Err == nil && !quotaResult.FailedOpen && len(quotaResult.Response.AllocateErrors) > 0:
			qe := quotaResult.Response.AllocateErrors[0]
			st := sccode.Lookup(qe.Code)
			decision := Decision{
				Allow:              false,
				HTTPStatus:         st.HTTPStatus,
				Message:            qe.Description,
				ResponseCodeDetail: fmt.Sprintf("service_control_quota_error{%s}", st.ErrorType),
				FinalState:         StateResponded,
			}
			info.ResponseCode = decision.HTTPStatus
			h.Stats.RecordDecision(st.Counter)
			h.finish(ctx, info, now, req.Start)
			return decision, nil
		}
		// Transport errors and exhausted-retry fail-opens both permit the
		// request: quota is fail-open on the control plane by design.
	}

	info.ResponseCode = http.StatusOK
	h.Stats.RecordDecision("allowed")
	h.finish(ctx, info, now, req.Start)

	return Decision{
		Allow:             true,
		ForwardHeaders:    forwardHeaders,
		ConsumerProjectID: info.ConsumerProjectID,
		FinalState:        StateComplete,
	}, nil
}

// finish stamps latency fields and enqueues the report(s) for info.
func (h *Handler) finish(ctx context.Context, info report.RequestInfo, now, start time.Time) {
	info.RequestLatency = now.Sub(start)
	primary, byConsumer, err := report.Build(info, now)
	if err != nil {
		h.Logger.Warn("report build failed", "error", err, "operation_id", info.OperationID)
		return
	}
	h.Reports.Enqueue(primary)
	if byConsumer != nil {
		h.Reports.Enqueue(*byConsumer)
	}
}

func (h *Handler) badRequest(reason string) Decision {
	return Decision{
		Allow:              false,
		HTTPStatus:         http.StatusBadRequest,
		Message:            "bad request: " + reason,
		ResponseCodeDetail: "service_control_bad_request{" + reason + "}",
		FinalState:         StateResponded,
	}
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Handler) remoteIP(req Request) string {
	if h.Service.ClientIPFromForwardedHeader {
		if ip := ExtractIPFromForwardedHeader(req.Header); ip != "" {
			return ip
		}
		if ip := ExtractIPFromXForwardedFor(req.Header); ip != "" {
			return ip
		}
	}
	host := req.RemoteAddr
	if idx := strings.LastIndexByte(host, ':'); idx >= 0 {
		host = host[:idx]
	}
	return host
}

// selectHeaders pulls the configured header names out of header, skipping
// ones that aren't present. Returns nil (not an empty map) when names is
// empty, so RequestInfo.RequestHeaders stays absent rather than present-
// and-empty for services that configure no log_request_headers.
func selectHeaders(header http.Header, names []string) map[string]string {
	if len(names) == 0 {
		return nil
	}
	selected := make(map[string]string, len(names))
	for _, name := range names {
		if v := header.Get(name); v != "" {
			selected[name] = v
		}
	}
	return selected
}

func isApiKeyErrorCode(code string) bool {
	switch code {
	case "API_KEY_NOT_FOUND", "API_KEY_EXPIRED", "API_KEY_INVALID":
		return true
	default:
		return false
	}
}

func stripQuery(path string) string {
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		return path[:idx]
	}
	return path
}

// extractAPIKey iterates locations ("query:name", "header:name",
// "cookie:name") in order; the first present value wins.
func extractAPIKey(req Request, locations []string) (string, bool) {
	for _, loc := range locations {
		kind, name, found := strings.Cut(loc, ":")
		if !found {
			continue
		}
		switch kind {
		case "query":
			if v := queryValue(req.Path, name); v != "" {
				return v, true
			}
		case "header":
			if v := req.Header.Get(name); v != "" {
				return v, true
			}
		case "cookie":
			if v := cookieValue(req.Header, name); v != "" {
				return v, true
			}
		}
	}
	return "", false
}

func queryValue(rawPath, name string) string {
	idx := strings.IndexByte(rawPath, '?')
	if idx < 0 {
		return ""
	}
	query := rawPath[idx+1:]
	for _, pair := range strings.Split(query, "&") {
		k, v, _ := strings.Cut(pair, "=")
		if k == name {
			return v
		}
	}
	return ""
}

func cookieValue(header http.Header, name string) string {
	dummy := &http.Request{Header: header}
	c, err := dummy.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
