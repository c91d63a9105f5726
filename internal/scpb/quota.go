package scpb

import "google.golang.org/protobuf/encoding/protowire"

const (
	quotaReqServiceName     protowire.Number = 1
	quotaReqServiceConfigID protowire.Number = 2
	quotaReqAllocateOp      protowire.Number = 3

	allocOpOperationID   protowire.Number = 1
	allocOpMethodName    protowire.Number = 2
	allocOpConsumerID    protowire.Number = 3
	allocOpQuotaMetrics  protowire.Number = 4
	allocOpQuotaMode     protowire.Number = 5

	metricValueName protowire.Number = 1
	metricValueCost protowire.Number = 2

	quotaRespAllocateErrors protowire.Number = 1

	quotaErrCode        protowire.Number = 1
	quotaErrDescription protowire.Number = 2
)

// MetricValue is one (metric_name, cost) pair forwarded as a quota
// cost, or a metric/value pair in a usage report.
type MetricValue struct {
	MetricName string
	Cost       int64
}

func (m MetricValue) marshal() []byte {
	var b []byte
	b = appendStringField(b, metricValueName, m.MetricName)
	b = appendInt64Field(b, metricValueCost, m.Cost)
	return b
}

func unmarshalMetricValue(buf []byte) (MetricValue, error) {
	fields, err := decodeFields(buf)
	if err != nil {
		return MetricValue{}, err
	}
	var mv MetricValue
	for _, f := range fields {
		switch f.num {
		case metricValueName:
			mv.MetricName = string(f.data)
		case metricValueCost:
			mv.Cost = int64(bytesVarint(f.data))
		}
	}
	return mv, nil
}

// AllocateOperation is the allocateQuota-specific analogue of Operation.
type AllocateOperation struct {
	OperationID  string
	MethodName   string
	ConsumerID   string
	QuotaMetrics []MetricValue
	// QuotaMode selects BEST_EFFORT (0) vs. CHECK_ONLY (1) semantics;
	// the gateway always issues BEST_EFFORT allocations.
	QuotaMode int64
}

func (a AllocateOperation) marshal() []byte {
	var b []byte
	b = appendStringField(b, allocOpOperationID, a.OperationID)
	b = appendStringField(b, allocOpMethodName, a.MethodName)
	b = appendStringField(b, allocOpConsumerID, a.ConsumerID)
	for _, mv := range a.QuotaMetrics {
		b = appendMessageField(b, allocOpQuotaMetrics, mv.marshal())
	}
	b = appendInt64Field(b, allocOpQuotaMode, a.QuotaMode)
	return b
}

// QuotaRequest is sent to POST /v1/services/{service_name}:allocateQuota.
type QuotaRequest struct {
	ServiceName       string
	ServiceConfigID   string
	AllocateOperation AllocateOperation
}

func (r QuotaRequest) Marshal() []byte {
	var b []byte
	b = appendStringField(b, quotaReqServiceName, r.ServiceName)
	b = appendStringField(b, quotaReqServiceConfigID, r.ServiceConfigID)
	b = appendMessageField(b, quotaReqAllocateOp, r.AllocateOperation.marshal())
	return b
}

// UnmarshalQuotaRequest decodes a QuotaRequest back from its wire form.
// Exercised by round-trip tests.
func UnmarshalQuotaRequest(buf []byte) (QuotaRequest, error) {
	fields, err := decodeFields(buf)
	if err != nil {
		return QuotaRequest{}, err
	}
	var r QuotaRequest
	for _, f := range fields {
		switch f.num {
		case quotaReqServiceName:
			r.ServiceName = string(f.data)
		case quotaReqServiceConfigID:
			r.ServiceConfigID = string(f.data)
		case quotaReqAllocateOp:
			op, err := unmarshalAllocateOperation(f.data)
			if err != nil {
				return QuotaRequest{}, err
			}
			r.AllocateOperation = op
		}
	}
	return r, nil
}

func unmarshalAllocateOperation(buf []byte) (AllocateOperation, error) {
	fields, err := decodeFields(buf)
	if err != nil {
		return AllocateOperation{}, err
	}
	var a AllocateOperation
	for _, f := range fields {
		switch f.num {
		case allocOpOperationID:
			a.OperationID = string(f.data)
		case allocOpMethodName:
			a.MethodName = string(f.data)
		case allocOpConsumerID:
			a.ConsumerID = string(f.data)
		case allocOpQuotaMetrics:
			mv, err := unmarshalMetricValue(f.data)
			if err != nil {
				return AllocateOperation{}, err
			}
			a.QuotaMetrics = append(a.QuotaMetrics, mv)
		case allocOpQuotaMode:
			a.QuotaMode = int64(bytesVarint(f.data))
		}
	}
	return a, nil
}

// QuotaError is one entry of QuotaResponse.AllocateErrors.
type QuotaError struct {
	Code        string
	Description string
}

// QuotaResponse is the decoded body of an :allocateQuota response.
type QuotaResponse struct {
	AllocateErrors []QuotaError
}

func UnmarshalQuotaResponse(buf []byte) (QuotaResponse, error) {
	fields, err := decodeFields(buf)
	if err != nil {
		return QuotaResponse{}, err
	}
	var resp QuotaResponse
	for _, f := range fields {
		if f.num != quotaRespAllocateErrors {
			continue
		}
		errFields, err := decodeFields(f.data)
		if err != nil {
			return QuotaResponse{}, err
		}
		var qe QuotaError
		for _, ef := range errFields {
			switch ef.num {
			case quotaErrCode:
				qe.Code = string(ef.data)
			case quotaErrDescription:
				qe.Description = string(ef.data)
			}
		}
		resp.AllocateErrors = append(resp.AllocateErrors, qe)
	}
	return resp, nil
}
