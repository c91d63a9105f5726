package scpb

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	reportReqServiceName     protowire.Number = 1
	reportReqServiceConfigID protowire.Number = 2
	reportReqOperations      protowire.Number = 3

	repOpOperation       protowire.Number = 1
	repOpMetricValueSets protowire.Number = 2
	repOpLogEntries      protowire.Number = 3

	mvSetMetricName protowire.Number = 1
	mvSetValues     protowire.Number = 2

	logEntryName          protowire.Number = 1
	logEntrySeverity      protowire.Number = 2
	logEntryTimestamp     protowire.Number = 3
	logEntryTextPayload   protowire.Number = 4
	logEntryStructPayload protowire.Number = 5
	logEntryHTTPRequest   protowire.Number = 6

	httpReqMethod       protowire.Number = 1
	httpReqURL          protowire.Number = 2
	httpReqStatus       protowire.Number = 3
	httpReqRequestSize  protowire.Number = 4
	httpReqResponseSize protowire.Number = 5
	httpReqRemoteIP     protowire.Number = 6
	httpReqReferer      protowire.Number = 7
	httpReqLatencyMs    protowire.Number = 8
)

// MetricValueSet groups repeated cost observations under one metric
// name, mirroring the upstream report wire shape (distinct from the
// single-value MetricValue used by quota allocation).
type MetricValueSet struct {
	MetricName string
	Values     []int64
}

func (s MetricValueSet) marshal() []byte {
	var b []byte
	b = appendStringField(b, mvSetMetricName, s.MetricName)
	for _, v := range s.Values {
		b = appendInt64Field(b, mvSetValues, v)
	}
	return b
}

// HTTPRequestInfo is the HttpRequest sub-structure of a LogEntry.
type HTTPRequestInfo struct {
	Method       string
	URL          string
	Status       int64
	RequestSize  int64
	ResponseSize int64
	RemoteIP     string
	Referer      string
	LatencyMs    int64
}

func (h HTTPRequestInfo) marshal() []byte {
	var b []byte
	b = appendStringField(b, httpReqMethod, h.Method)
	b = appendStringField(b, httpReqURL, h.URL)
	b = appendInt64Field(b, httpReqStatus, h.Status)
	b = appendInt64Field(b, httpReqRequestSize, h.RequestSize)
	b = appendInt64Field(b, httpReqResponseSize, h.ResponseSize)
	b = appendStringField(b, httpReqRemoteIP, h.RemoteIP)
	b = appendStringField(b, httpReqReferer, h.Referer)
	b = appendInt64Field(b, httpReqLatencyMs, h.LatencyMs)
	return b
}

// LogEntry is one structured log line emitted for one configured log
// name.
type LogEntry struct {
	Name          string
	Severity      string // "INFO" or "ERROR"
	TimestampUnix float64
	TextPayload   string
	StructPayload map[string]string
	HTTPRequest   *HTTPRequestInfo
}

func (l LogEntry) marshal() []byte {
	var b []byte
	b = appendStringField(b, logEntryName, l.Name)
	b = appendStringField(b, logEntrySeverity, l.Severity)
	b = appendDoubleField(b, logEntryTimestamp, l.TimestampUnix)
	b = appendStringField(b, logEntryTextPayload, l.TextPayload)
	b = appendStringMapField(b, logEntryStructPayload, l.StructPayload)
	if l.HTTPRequest != nil {
		b = appendMessageField(b, logEntryHTTPRequest, l.HTTPRequest.marshal())
	}
	return b
}

// ReportOperation is one entry of ReportRequest.Operations: the shared
// Operation envelope plus the metrics and log entries it carries.
type ReportOperation struct {
	Operation       Operation
	MetricValueSets []MetricValueSet
	LogEntries      []LogEntry
}

func (r ReportOperation) marshal() []byte {
	var b []byte
	b = appendMessageField(b, repOpOperation, r.Operation.marshal())
	for _, mvs := range r.MetricValueSets {
		b = appendMessageField(b, repOpMetricValueSets, mvs.marshal())
	}
	for _, le := range r.LogEntries {
		b = appendMessageField(b, repOpLogEntries, le.marshal())
	}
	return b
}

// ReportRequest is sent to POST /v1/services/{service_name}:report.
// Reports are fire-and-forget: there is no typed ReportResponse beyond
// an HTTP status, so this package offers no UnmarshalReportResponse.
type ReportRequest struct {
	ServiceName     string
	ServiceConfigID string
	Operations      []ReportOperation
}

func (r ReportRequest) Marshal() []byte {
	var b []byte
	b = appendStringField(b, reportReqServiceName, r.ServiceName)
	b = appendStringField(b, reportReqServiceConfigID, r.ServiceConfigID)
	for _, op := range r.Operations {
		b = appendMessageField(b, reportReqOperations, op.marshal())
	}
	return b
}

// UnmarshalReportRequest decodes a ReportRequest back from its wire
// form. Production code only ever marshals reports (they are sent, not
// received), but the decoder is exercised by round-trip tests to pin
// down the codec's correctness.
func UnmarshalReportRequest(buf []byte) (ReportRequest, error) {
	fields, err := decodeFields(buf)
	if err != nil {
		return ReportRequest{}, err
	}
	var r ReportRequest
	for _, f := range fields {
		switch f.num {
		case reportReqServiceName:
			r.ServiceName = string(f.data)
		case reportReqServiceConfigID:
			r.ServiceConfigID = string(f.data)
		case reportReqOperations:
			op, err := unmarshalReportOperation(f.data)
			if err != nil {
				return ReportRequest{}, err
			}
			r.Operations = append(r.Operations, op)
		}
	}
	return r, nil
}

func unmarshalReportOperation(buf []byte) (ReportOperation, error) {
	fields, err := decodeFields(buf)
	if err != nil {
		return ReportOperation{}, err
	}
	var op ReportOperation
	for _, f := range fields {
		switch f.num {
		case repOpOperation:
			o, err := unmarshalOperation(f.data)
			if err != nil {
				return ReportOperation{}, err
			}
			op.Operation = o
		case repOpMetricValueSets:
			mvs, err := unmarshalMetricValueSet(f.data)
			if err != nil {
				return ReportOperation{}, err
			}
			op.MetricValueSets = append(op.MetricValueSets, mvs)
		case repOpLogEntries:
			le, err := unmarshalLogEntry(f.data)
			if err != nil {
				return ReportOperation{}, err
			}
			op.LogEntries = append(op.LogEntries, le)
		}
	}
	return op, nil
}

func unmarshalMetricValueSet(buf []byte) (MetricValueSet, error) {
	fields, err := decodeFields(buf)
	if err != nil {
		return MetricValueSet{}, err
	}
	var s MetricValueSet
	for _, f := range fields {
		switch f.num {
		case mvSetMetricName:
			s.MetricName = string(f.data)
		case mvSetValues:
			s.Values = append(s.Values, int64(bytesVarint(f.data)))
		}
	}
	return s, nil
}

func unmarshalLogEntry(buf []byte) (LogEntry, error) {
	fields, err := decodeFields(buf)
	if err != nil {
		return LogEntry{}, err
	}
	var l LogEntry
	for _, f := range fields {
		switch f.num {
		case logEntryName:
			l.Name = string(f.data)
		case logEntrySeverity:
			l.Severity = string(f.data)
		case logEntryTimestamp:
			l.TimestampUnix = math.Float64frombits(bytesVarint(f.data))
		case logEntryTextPayload:
			l.TextPayload = string(f.data)
		case logEntryHTTPRequest:
			hr, err := unmarshalHTTPRequestInfo(f.data)
			if err != nil {
				return LogEntry{}, err
			}
			l.HTTPRequest = &hr
		}
	}
	l.StructPayload, err = stringMapFromFields(fields, logEntryStructPayload)
	if err != nil {
		return LogEntry{}, err
	}
	return l, nil
}

func unmarshalHTTPRequestInfo(buf []byte) (HTTPRequestInfo, error) {
	fields, err := decodeFields(buf)
	if err != nil {
		return HTTPRequestInfo{}, err
	}
	var h HTTPRequestInfo
	for _, f := range fields {
		switch f.num {
		case httpReqMethod:
			h.Method = string(f.data)
		case httpReqURL:
			h.URL = string(f.data)
		case httpReqStatus:
			h.Status = int64(bytesVarint(f.data))
		case httpReqRequestSize:
			h.RequestSize = int64(bytesVarint(f.data))
		case httpReqResponseSize:
			h.ResponseSize = int64(bytesVarint(f.data))
		case httpReqRemoteIP:
			h.RemoteIP = string(f.data)
		case httpReqReferer:
			h.Referer = string(f.data)
		case httpReqLatencyMs:
			h.LatencyMs = int64(bytesVarint(f.data))
		}
	}
	return h, nil
}
