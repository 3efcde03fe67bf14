package codec

import (
	"hiway-rpc/schema"
)

// MsgType distinguishes the frames exchanged on a highway connection.
type MsgType int32

const (
	MsgTypeRequest  MsgType = 0 // consumer → provider call
	MsgTypeLogin    MsgType = 1 // handshake request and its acknowledgement
	MsgTypeResponse MsgType = 2 // provider → consumer result
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeRequest:
		return "request"
	case MsgTypeLogin:
		return "login"
	case MsgTypeResponse:
		return "response"
	}
	return "unknown"
}

// Protocol is the name exchanged in the login handshake.
const Protocol = "highway"

// Header is implemented by the fixed frame headers.
type Header interface {
	Record() schema.Record
}

// RequestHeader leads every consumer → provider frame.
type RequestHeader struct {
	MsgType      MsgType
	Microservice string // destination
	SchemaID     string
	Operation    string
	Context      map[string]string
}

// ResponseHeader leads every provider → consumer frame.
type ResponseHeader struct {
	MsgType      MsgType
	StatusCode   int32
	ReasonPhrase string
	Context      map[string]string
}

var (
	RequestHeaderSchema = schema.MustDescriptor("RequestHeader",
		schema.Field{Number: 1, Name: "msgType", Kind: schema.KindInt64},
		schema.Field{Number: 2, Name: "destMicroservice", Kind: schema.KindString},
		schema.Field{Number: 3, Name: "schemaId", Kind: schema.KindString},
		schema.Field{Number: 4, Name: "operationName", Kind: schema.KindString},
		schema.Field{Number: 5, Name: "context", Kind: schema.KindStringMap},
	)

	ResponseHeaderSchema = schema.MustDescriptor("ResponseHeader",
		schema.Field{Number: 1, Name: "msgType", Kind: schema.KindInt64},
		schema.Field{Number: 2, Name: "statusCode", Kind: schema.KindInt64},
		schema.Field{Number: 3, Name: "reasonPhrase", Kind: schema.KindString},
		schema.Field{Number: 4, Name: "context", Kind: schema.KindStringMap},
	)

	LoginRequestSchema = schema.MustDescriptor("LoginRequest",
		schema.Field{Number: 1, Name: "protocol", Kind: schema.KindString},
		schema.Field{Number: 2, Name: "codec", Kind: schema.KindString},
	)

	LoginResponseSchema = schema.MustDescriptor("LoginResponse",
		schema.Field{Number: 1, Name: "protocol", Kind: schema.KindString},
	)
)

func (h *RequestHeader) Record() schema.Record {
	r := schema.Record{
		"msgType":          int64(h.MsgType),
		"destMicroservice": h.Microservice,
		"schemaId":         h.SchemaID,
		"operationName":    h.Operation,
	}
	if len(h.Context) > 0 {
		r["context"] = h.Context
	}
	return r
}

func (h *ResponseHeader) Record() schema.Record {
	r := schema.Record{
		"msgType":      int64(h.MsgType),
		"statusCode":   int64(h.StatusCode),
		"reasonPhrase": h.ReasonPhrase,
	}
	if len(h.Context) > 0 {
		r["context"] = h.Context
	}
	return r
}

func requestHeaderFrom(r schema.Record) *RequestHeader {
	h := &RequestHeader{
		MsgType:      MsgType(int64Of(r, "msgType")),
		Microservice: stringOf(r, "destMicroservice"),
		SchemaID:     stringOf(r, "schemaId"),
		Operation:    stringOf(r, "operationName"),
	}
	h.Context, _ = r["context"].(map[string]string)
	return h
}

func responseHeaderFrom(r schema.Record) *ResponseHeader {
	h := &ResponseHeader{
		MsgType:      MsgType(int64Of(r, "msgType")),
		StatusCode:   int32(int64Of(r, "statusCode")),
		ReasonPhrase: stringOf(r, "reasonPhrase"),
	}
	h.Context, _ = r["context"].(map[string]string)
	return h
}

func int64Of(r schema.Record, name string) int64 {
	n, _ := r[name].(int64)
	return n
}

func stringOf(r schema.Record, name string) string {
	s, _ := r[name].(string)
	return s
}
