package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hiway-rpc/schema"
)

var args = schema.MustDescriptor("AddArgs",
	schema.Field{Number: 1, Name: "a", Kind: schema.KindInt64},
	schema.Field{Number: 2, Name: "b", Kind: schema.KindInt64},
)

func TestRequestFrameRoundTrip(t *testing.T) {
	header := &RequestHeader{
		MsgType:      MsgTypeRequest,
		Microservice: "calc",
		SchemaID:     "calculator",
		Operation:    "add",
		Context:      map[string]string{"x-trace-id": "abc"},
	}
	body := schema.Record{"a": int64(1), "b": int64(2)}

	data, err := EncodeFrame(42, header, RequestHeaderSchema, body, args)
	require.NoError(t, err)

	id, headerBytes, bodyBytes, err := DecodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	// the header decodes without knowing the body schema
	decodedHeader, err := DecodeRequestHeader(headerBytes)
	require.NoError(t, err)
	assert.Equal(t, header, decodedHeader)

	decodedBody, err := DecodeBody(args, bodyBytes)
	require.NoError(t, err)
	assert.Equal(t, body, decodedBody)

	// re-encoding the decoded parts reproduces the frame byte for byte
	again, err := EncodeFrame(id, decodedHeader, RequestHeaderSchema, decodedBody, args)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestResponseFrameRoundTrip(t *testing.T) {
	header := &ResponseHeader{MsgType: MsgTypeResponse, StatusCode: 456, ReasonPhrase: "business"}
	body := schema.Record{schema.WrappedField: "456 error"}

	data, err := EncodeFrame(-7, header, ResponseHeaderSchema, body, schema.ErrorSchema)
	require.NoError(t, err)

	id, headerBytes, bodyBytes, err := DecodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, int64(-7), id)

	decodedHeader, err := DecodeResponseHeader(headerBytes)
	require.NoError(t, err)
	assert.Equal(t, header, decodedHeader)

	decodedBody, err := DecodeBody(schema.ErrorSchema, bodyBytes)
	require.NoError(t, err)
	assert.Equal(t, "456 error", decodedBody[schema.WrappedField])
}

func TestVoidBody(t *testing.T) {
	header := &ResponseHeader{MsgType: MsgTypeResponse, StatusCode: schema.StatusOK}

	data, err := EncodeFrame(1, header, ResponseHeaderSchema, nil, nil)
	require.NoError(t, err)

	_, _, bodyBytes, err := DecodeFrame(data)
	require.NoError(t, err)
	assert.Empty(t, bodyBytes)

	decoded, err := DecodeBody(nil, bodyBytes)
	require.NoError(t, err)
	assert.Nil(t, decoded)
}

func TestBodyWithoutSchema(t *testing.T) {
	_, err := EncodeFrame(1, &RequestHeader{}, RequestHeaderSchema, schema.Record{"a": 1}, nil)
	assert.ErrorIs(t, err, ErrMissingBodySchema)

	_, err = DecodeBody(nil, []byte{8, 1})
	assert.ErrorIs(t, err, ErrMissingBodySchema)
}

func TestEncodeBodyTypeError(t *testing.T) {
	_, err := EncodeFrame(1, &RequestHeader{}, RequestHeaderSchema, schema.Record{"a": "x"}, args)
	var typeErr *schema.TypeError
	assert.ErrorAs(t, err, &typeErr)
}

func TestLoginHandshakeFrames(t *testing.T) {
	login, err := EncodeLogin(5)
	require.NoError(t, err)
	id, headerBytes, bodyBytes, err := DecodeFrame(login)
	require.NoError(t, err)
	assert.Equal(t, int64(5), id)

	h, err := DecodeRequestHeader(headerBytes)
	require.NoError(t, err)
	assert.Equal(t, MsgTypeLogin, h.MsgType)
	body, err := DecodeBody(LoginRequestSchema, bodyBytes)
	require.NoError(t, err)
	assert.Equal(t, Protocol, body["protocol"])

	ack, err := EncodeLoginAck(5)
	require.NoError(t, err)
	_, headerBytes, _, err = DecodeFrame(ack)
	require.NoError(t, err)
	rh, err := DecodeResponseHeader(headerBytes)
	require.NoError(t, err)
	assert.Equal(t, MsgTypeLogin, rh.MsgType)
	assert.Equal(t, schema.StatusOK, rh.StatusCode)
}
