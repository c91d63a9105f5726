package report_test

import (
	"testing"
	"time"

	"github.com/rat-data/scgateway/internal/report"
	"github.com/rat-data/scgateway/internal/scpb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild_RejectsIncompleteOperation(t *testing.T) {
	_, _, err := report.Build(report.RequestInfo{}, time.Now())
	assert.ErrorIs(t, err, report.ErrIncompleteOperation)
}

func TestBuild_ConsumerMetricsOnlyWhenVerified(t *testing.T) {
	base := report.RequestInfo{
		OperationID:   "op-1",
		OperationName: "1.echo.Echo",
		ApiKey:        "key123",
	}

	unverified := base
	unverified.ApiKeyState = report.ApiKeyStateNotChecked
	opUnverified, _, err := report.Build(unverified, time.Now())
	require.NoError(t, err)
	assert.False(t, hasMetric(opUnverified.MetricValueSets, "serviceruntime.googleapis.com/api/consumer/request_count"))

	verified := base
	verified.ApiKeyState = report.ApiKeyStateVerified
	opVerified, _, err := report.Build(verified, time.Now())
	require.NoError(t, err)
	assert.True(t, hasMetric(opVerified.MetricValueSets, "serviceruntime.googleapis.com/api/consumer/request_count"))
}

func TestBuild_ByConsumerOperationOnlyWhenConsumerProjectKnown(t *testing.T) {
	info := report.RequestInfo{OperationID: "op-1", OperationName: "1.echo.Echo"}

	_, byConsumer, err := report.Build(info, time.Now())
	require.NoError(t, err)
	assert.Nil(t, byConsumer)

	info.ConsumerProjectID = "12345"
	_, byConsumer, err = report.Build(info, time.Now())
	require.NoError(t, err)
	require.NotNil(t, byConsumer)
	assert.Equal(t, "op-11", byConsumer.Operation.OperationID)
}

func TestBuild_CredentialIDLabelPrefersApiKey(t *testing.T) {
	info := report.RequestInfo{
		OperationID:   "op-1",
		OperationName: "1.echo.Echo",
		ApiKey:        "key123",
		ApiKeyState:   report.ApiKeyStateVerified,
	}
	op, _, err := report.Build(info, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "apikey:key123", op.Operation.Labels["/credential_id"])
}

func TestBuild_CredentialIDFallsBackToJWT(t *testing.T) {
	info := report.RequestInfo{
		OperationID:   "op-1",
		OperationName: "1.echo.Echo",
		JWT:           &report.JWTInfo{Issuer: "https://issuer.example.com"},
	}
	op, _, err := report.Build(info, time.Now())
	require.NoError(t, err)
	assert.Contains(t, op.Operation.Labels["/credential_id"], "jwtauth:issuer=")
}

func TestBuild_ResponseCodeClass(t *testing.T) {
	info := report.RequestInfo{OperationID: "op-1", OperationName: "1.echo.Echo", ResponseCode: 404}
	op, _, err := report.Build(info, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "4xx", op.Operation.Labels["/response_code_class"])
}

func TestBuild_LogEntrySeverityFollowsResponseCode(t *testing.T) {
	info := report.RequestInfo{
		OperationID:   "op-1",
		OperationName: "1.echo.Echo",
		ResponseCode:  500,
		LogNames:      []string{"endpoints_log"},
	}
	op, _, err := report.Build(info, time.Now())
	require.NoError(t, err)
	require.Len(t, op.LogEntries, 1)
	assert.Equal(t, "ERROR", op.LogEntries[0].Severity)
}

func TestBuild_LogEntryIncludesConfiguredRequestHeaders(t *testing.T) {
	info := report.RequestInfo{
		OperationID:   "op-1",
		OperationName: "1.echo.Echo",
		LogNames:      []string{"endpoints_log"},
		RequestHeaders: map[string]string{
			"x-forwarded-for": "203.0.113.1",
		},
	}
	op, _, err := report.Build(info, time.Now())
	require.NoError(t, err)
	require.Len(t, op.LogEntries, 1)
	assert.Equal(t, "203.0.113.1", op.LogEntries[0].StructPayload["request_header.x-forwarded-for"])
}

func hasMetric(sets []scpb.MetricValueSet, name string) bool {
	for _, s := range sets {
		if s.MetricName == name {
			return true
		}
	}
	return false
}
