package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	frame := &Frame{
		CorrelationID: 12345,
		Header:        []byte("header"),
		Body:          []byte("hello world"),
	}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, frame))
	require.Equal(t, MinFrameSize+len(frame.Header)+len(frame.Body), buf.Len())

	decoded, err := Decode(&buf, DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, frame.CorrelationID, decoded.CorrelationID)
	assert.Equal(t, frame.Header, decoded.Header)
	assert.Equal(t, frame.Body, decoded.Body)

	_, err = Decode(&buf, DefaultLimits())
	assert.Equal(t, io.EOF, err)
}

func TestWireLayout(t *testing.T) {
	data := Marshal(&Frame{CorrelationID: -2, Header: []byte{0xaa}, Body: []byte{0xbb, 0xcc}})

	assert.Equal(t, uint64(0xfffffffffffffffe), binary.BigEndian.Uint64(data[0:8]))
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(data[8:12]))
	assert.Equal(t, byte(0xaa), data[12])
	assert.Equal(t, uint32(2), binary.BigEndian.Uint32(data[13:17]))
	assert.Equal(t, []byte{0xbb, 0xcc}, data[17:])
}

func TestEmptyBody(t *testing.T) {
	frame := &Frame{CorrelationID: 7, Header: []byte{1, 2, 3}}

	decoded, err := Unmarshal(Marshal(frame), DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, int64(7), decoded.CorrelationID)
	assert.Equal(t, []byte{1, 2, 3}, decoded.Header)
	assert.Empty(t, decoded.Body)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, frame))
	streamed, err := Decode(&buf, DefaultLimits())
	require.NoError(t, err)
	assert.Empty(t, streamed.Body)
}

func TestUnmarshalShortFrame(t *testing.T) {
	data := Marshal(&Frame{CorrelationID: 1, Header: []byte("abc"), Body: []byte("defg")})

	for _, n := range []int{0, 5, MinFrameSize - 1, len(data) - 1} {
		_, err := Unmarshal(data[:n], DefaultLimits())
		assert.ErrorIs(t, err, ErrShortFrame, "truncated at %d", n)
	}

	_, err := Unmarshal(append(data, 0), DefaultLimits())
	assert.ErrorIs(t, err, ErrTrailingGarbage)
}

func TestDecodeTruncatedStream(t *testing.T) {
	data := Marshal(&Frame{CorrelationID: 1, Header: []byte("abc"), Body: []byte("defg")})

	_, err := Decode(bytes.NewReader(data[:len(data)-2]), DefaultLimits())
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}

func TestDecodeNegativeLength(t *testing.T) {
	data := Marshal(&Frame{CorrelationID: 1})
	binary.BigEndian.PutUint32(data[8:12], 0xffffffff)

	_, err := Decode(bytes.NewReader(data), DefaultLimits())
	assert.ErrorIs(t, err, ErrNegativeLength)
	_, err = Unmarshal(data, DefaultLimits())
	assert.ErrorIs(t, err, ErrNegativeLength)
}

func TestDecodeLimits(t *testing.T) {
	limits := Limits{MaxHeaderBytes: 4, MaxBodyBytes: 8}

	_, err := Decode(bytes.NewReader(Marshal(&Frame{Header: make([]byte, 5)})), limits)
	assert.ErrorIs(t, err, ErrHeaderTooLarge)

	_, err = Decode(bytes.NewReader(Marshal(&Frame{Body: make([]byte, 9)})), limits)
	assert.ErrorIs(t, err, ErrBodyTooLarge)

	_, err = Unmarshal(Marshal(&Frame{Body: make([]byte, 9)}), limits)
	assert.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestDecodeLargeBody(t *testing.T) {
	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Frame{CorrelationID: 999, Body: largeBody}))

	decoded, err := Decode(&buf, DefaultLimits())
	require.NoError(t, err)
	assert.True(t, bytes.Equal(largeBody, decoded.Body))
}
