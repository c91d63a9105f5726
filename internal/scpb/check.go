package scpb

import "google.golang.org/protobuf/encoding/protowire"

// Field numbers for CheckRequest / Operation / CheckResponse. There is
// no accompanying .proto (see package doc); these are this module's own
// stable assignment.
const (
	checkReqServiceName     protowire.Number = 1
	checkReqServiceConfigID protowire.Number = 2
	checkReqOperation       protowire.Number = 3

	opOperationID   protowire.Number = 1
	opOperationName protowire.Number = 2
	opConsumerID    protowire.Number = 3
	opLabels        protowire.Number = 4
	opStartTime     protowire.Number = 5

	checkRespCheckErrors       protowire.Number = 1
	checkRespConsumerProjectID protowire.Number = 2

	checkErrCode   protowire.Number = 1
	checkErrDetail protowire.Number = 2
)

// Operation is the shared per-call operation payload embedded in
// CheckRequest, QuotaRequest (as AllocateOperation), and each
// ReportRequest entry.
type Operation struct {
	OperationID   string
	OperationName string
	ConsumerID    string
	Labels        map[string]string
	StartTimeUnix int64
}

func (o Operation) marshal() []byte {
	var b []byte
	b = appendStringField(b, opOperationID, o.OperationID)
	b = appendStringField(b, opOperationName, o.OperationName)
	b = appendStringField(b, opConsumerID, o.ConsumerID)
	b = appendStringMapField(b, opLabels, o.Labels)
	b = appendInt64Field(b, opStartTime, o.StartTimeUnix)
	return b
}

func unmarshalOperation(buf []byte) (Operation, error) {
	fields, err := decodeFields(buf)
	if err != nil {
		return Operation{}, err
	}
	var o Operation
	for _, f := range fields {
		switch f.num {
		case opOperationID:
			o.OperationID = string(f.data)
		case opOperationName:
			o.OperationName = string(f.data)
		case opConsumerID:
			o.ConsumerID = string(f.data)
		case opStartTime:
			o.StartTimeUnix = int64(bytesVarint(f.data))
		}
	}
	o.Labels, err = stringMapFromFields(fields, opLabels)
	if err != nil {
		return Operation{}, err
	}
	return o, nil
}

// CheckRequest is sent to POST /v1/services/{service_name}:check.
type CheckRequest struct {
	ServiceName     string
	ServiceConfigID string
	Operation       Operation
}

func (r CheckRequest) Marshal() []byte {
	var b []byte
	b = appendStringField(b, checkReqServiceName, r.ServiceName)
	b = appendStringField(b, checkReqServiceConfigID, r.ServiceConfigID)
	b = appendMessageField(b, checkReqOperation, r.Operation.marshal())
	return b
}

// UnmarshalCheckRequest decodes a CheckRequest back from its wire form.
// Exercised by round-trip tests.
func UnmarshalCheckRequest(buf []byte) (CheckRequest, error) {
	fields, err := decodeFields(buf)
	if err != nil {
		return CheckRequest{}, err
	}
	var r CheckRequest
	for _, f := range fields {
		switch f.num {
		case checkReqServiceName:
			r.ServiceName = string(f.data)
		case checkReqServiceConfigID:
			r.ServiceConfigID = string(f.data)
		case checkReqOperation:
			op, err := unmarshalOperation(f.data)
			if err != nil {
				return CheckRequest{}, err
			}
			r.Operation = op
		}
	}
	return r, nil
}

// CheckError is one entry of CheckResponse.CheckErrors. Code holds the
// upstream error-enum name (e.g. "API_KEY_INVALID") as a string, since
// this codec has no access to the original enum descriptor.
type CheckError struct {
	Code   string
	Detail string
}

// CheckResponse is the decoded body of a :check response.
type CheckResponse struct {
	CheckErrors []CheckError
	// ConsumerProjectID is check_info.consumer_info.project_number,
	// stringified; empty when the control plane did not resolve a
	// consumer project (e.g. no API key was presented).
	ConsumerProjectID string
}

// Marshal encodes r. Production code only ever unmarshals a
// CheckResponse (it is received, not sent), but test doubles standing
// in for the control plane need to build one.
func (r CheckResponse) Marshal() []byte {
	var b []byte
	for _, ce := range r.CheckErrors {
		var eb []byte
		eb = appendStringField(eb, checkErrCode, ce.Code)
		eb = appendStringField(eb, checkErrDetail, ce.Detail)
		b = appendMessageField(b, checkRespCheckErrors, eb)
	}
	b = appendStringField(b, checkRespConsumerProjectID, r.ConsumerProjectID)
	return b
}

func UnmarshalCheckResponse(buf []byte) (CheckResponse, error) {
	fields, err := decodeFields(buf)
	if err != nil {
		return CheckResponse{}, err
	}
	var resp CheckResponse
	for _, f := range fields {
		switch f.num {
		case checkRespCheckErrors:
			errFields, err := decodeFields(f.data)
			if err != nil {
				return CheckResponse{}, err
			}
			var ce CheckError
			for _, ef := range errFields {
				switch ef.num {
				case checkErrCode:
					ce.Code = string(ef.data)
				case checkErrDetail:
					ce.Detail = string(ef.data)
				}
			}
			resp.CheckErrors = append(resp.CheckErrors, ce)
		case checkRespConsumerProjectID:
			resp.ConsumerProjectID = string(f.data)
		}
	}
	return resp, nil
}
