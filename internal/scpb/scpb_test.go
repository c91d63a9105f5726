package scpb_test

import (
	"testing"

	"github.com/rat-data/scgateway/internal/scpb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestCheckRequest_RoundTrip(t *testing.T) {
	req := scpb.CheckRequest{
		ServiceName:     "echo.endpoints.example.cloud.goog",
		ServiceConfigID: "2024-01-01r0",
		Operation: scpb.Operation{
			OperationID:   "op-1",
			OperationName: "1.echo_api.Echo",
			ConsumerID:    "api_key:abc123",
			Labels:        map[string]string{"servicecontrol.googleapis.com/user_agent": "ESPv2"},
			StartTimeUnix: 1700000000,
		},
	}

	got, err := scpb.UnmarshalCheckRequest(req.Marshal())
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestQuotaRequest_RoundTrip(t *testing.T) {
	req := scpb.QuotaRequest{
		ServiceName:     "echo.endpoints.example.cloud.goog",
		ServiceConfigID: "2024-01-01r0",
		AllocateOperation: scpb.AllocateOperation{
			OperationID: "op-2",
			MethodName:  "1.echo_api.Echo",
			ConsumerID:  "api_key:abc123",
			QuotaMetrics: []scpb.MetricValue{
				{MetricName: "echo.googleapis.com/requests", Cost: 1},
			},
		},
	}

	got, err := scpb.UnmarshalQuotaRequest(req.Marshal())
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestCheckResponse_RoundTrip(t *testing.T) {
	resp := scpb.CheckResponse{
		CheckErrors:       []scpb.CheckError{{Code: "API_KEY_INVALID", Detail: "bad key"}},
		ConsumerProjectID: "12345",
	}

	got, err := scpb.UnmarshalCheckResponse(resp.Marshal())
	require.NoError(t, err)
	assert.Equal(t, resp, got)
}

func TestQuotaResponse_ParsesErrors(t *testing.T) {
	resp := scpb.QuotaResponse{AllocateErrors: []scpb.QuotaError{{Code: "RESOURCE_EXHAUSTED", Description: "quota exceeded"}}}
	marshaled := marshalQuotaResponseForTest(resp)

	got, err := scpb.UnmarshalQuotaResponse(marshaled)
	require.NoError(t, err)
	assert.Equal(t, resp, got)
}

func TestReportRequest_RoundTrip(t *testing.T) {
	req := scpb.ReportRequest{
		ServiceName:     "echo.endpoints.example.cloud.goog",
		ServiceConfigID: "2024-01-01r0",
		Operations: []scpb.ReportOperation{
			{
				Operation: scpb.Operation{OperationID: "op-3", OperationName: "1.echo_api.Echo", ConsumerID: "project:123"},
				MetricValueSets: []scpb.MetricValueSet{
					{MetricName: "serviceruntime.googleapis.com/api/producer/request_count", Values: []int64{1}},
				},
				LogEntries: []scpb.LogEntry{
					{
						Name:          "endpoints_log",
						Severity:      "INFO",
						TimestampUnix: 1700000000.5,
						StructPayload: map[string]string{"api_key_state": "VERIFIED"},
						HTTPRequest: &scpb.HTTPRequestInfo{
							Method: "GET", URL: "/echo", Status: 200, RequestSize: 10, ResponseSize: 20, RemoteIP: "1.2.3.4", LatencyMs: 5,
						},
					},
				},
			},
		},
	}

	got, err := scpb.UnmarshalReportRequest(req.Marshal())
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

// marshalQuotaResponseForTest hand-encodes a QuotaResponse since the
// package (matching the upstream contract) only ever sends requests and
// receives responses — there is no QuotaResponse.Marshal in production
// code, so the test builds the wire bytes directly to exercise the
// decoder against a response shape.
func marshalQuotaResponseForTest(resp scpb.QuotaResponse) []byte {
	var b []byte
	for _, qe := range resp.AllocateErrors {
		var entry []byte
		entry = protowire.AppendTag(entry, 1, protowire.BytesType)
		entry = protowire.AppendString(entry, qe.Code)
		entry = protowire.AppendTag(entry, 2, protowire.BytesType)
		entry = protowire.AppendString(entry, qe.Description)

		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}
