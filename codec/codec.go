// Package codec turns headers and operation bodies into highway frames and back.
//
// Encoding is two independent schema-driven passes: the header with its fixed schema and
// the body with the schema selected by the caller. Decoding is split the same way, so a
// provider can read the header, resolve the operation, and only then decode the body.
package codec

import (
	"github.com/pkg/errors"

	"hiway-rpc/protocol"
	"hiway-rpc/schema"
)

var (
	// ErrMissingBodySchema means a body was supplied (or received) without a schema for it.
	ErrMissingBodySchema = errors.New("codec: body without body schema")
	ErrUnexpectedMsgType = errors.New("codec: unexpected message type")
)

// EncodeFrame serializes one frame. A nil bodySchema encodes a zero-length body and
// requires body to be empty.
func EncodeFrame(correlationID int64, header Header, headerSchema *schema.Descriptor,
	body schema.Record, bodySchema *schema.Descriptor) ([]byte, error) {

	headerBytes, err := headerSchema.Marshal(header.Record())
	if err != nil {
		return nil, errors.Wrap(err, "codec: encode header")
	}

	var bodyBytes []byte
	if bodySchema == nil {
		if len(body) > 0 {
			return nil, ErrMissingBodySchema
		}
	} else if bodyBytes, err = bodySchema.Marshal(body); err != nil {
		return nil, errors.Wrap(err, "codec: encode body")
	}

	return protocol.Marshal(&protocol.Frame{
		CorrelationID: correlationID,
		Header:        headerBytes,
		Body:          bodyBytes,
	}), nil
}

// DecodeFrame splits a frame without interpreting either section.
func DecodeFrame(data []byte) (correlationID int64, header, body []byte, err error) {
	f, err := protocol.Unmarshal(data, protocol.Limits{})
	if err != nil {
		return 0, nil, nil, err
	}
	return f.CorrelationID, f.Header, f.Body, nil
}

// DecodeRequestHeader reads the fixed header of a consumer frame, login included.
func DecodeRequestHeader(data []byte) (*RequestHeader, error) {
	r, err := RequestHeaderSchema.Unmarshal(data)
	if err != nil {
		return nil, errors.Wrap(err, "codec: decode request header")
	}
	return requestHeaderFrom(r), nil
}

// DecodeResponseHeader reads the fixed header of a provider frame.
func DecodeResponseHeader(data []byte) (*ResponseHeader, error) {
	r, err := ResponseHeaderSchema.Unmarshal(data)
	if err != nil {
		return nil, errors.Wrap(err, "codec: decode response header")
	}
	return responseHeaderFrom(r), nil
}

// DecodeBody decodes a body with the schema chosen for it. An empty body with a nil
// schema is the valid "no body" result and returns a nil record.
func DecodeBody(bodySchema *schema.Descriptor, data []byte) (schema.Record, error) {
	if bodySchema == nil {
		if len(data) > 0 {
			return nil, ErrMissingBodySchema
		}
		return nil, nil
	}
	r, err := bodySchema.Unmarshal(data)
	if err != nil {
		return nil, errors.Wrap(err, "codec: decode body")
	}
	return r, nil
}

// EncodeLogin builds the handshake frame a client sends before any request.
func EncodeLogin(correlationID int64) ([]byte, error) {
	return EncodeFrame(correlationID,
		&RequestHeader{MsgType: MsgTypeLogin},
		RequestHeaderSchema,
		schema.Record{"protocol": Protocol, "codec": "tlv"},
		LoginRequestSchema)
}

// EncodeLoginAck builds the provider's answer to a login frame.
func EncodeLoginAck(correlationID int64) ([]byte, error) {
	return EncodeFrame(correlationID,
		&ResponseHeader{MsgType: MsgTypeLogin, StatusCode: schema.StatusOK},
		ResponseHeaderSchema,
		schema.Record{"protocol": Protocol},
		LoginResponseSchema)
}
