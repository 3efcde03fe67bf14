package codec

import (
	"testing"

	"hiway-rpc/schema"
)

func BenchmarkRequestFrame(b *testing.B) {
	header := &RequestHeader{
		MsgType:      MsgTypeRequest,
		Microservice: "calc",
		SchemaID:     "calculator",
		Operation:    "add",
		Context:      map[string]string{"x-trace-id": "0f8a3c"},
	}
	body := schema.Record{"a": int64(1), "b": int64(2)}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, err := EncodeFrame(int64(i), header, RequestHeaderSchema, body, args)
		if err != nil {
			b.Fatal(err)
		}
		_, headerBytes, bodyBytes, err := DecodeFrame(data)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := DecodeRequestHeader(headerBytes); err != nil {
			b.Fatal(err)
		}
		if _, err := DecodeBody(args, bodyBytes); err != nil {
			b.Fatal(err)
		}
	}
}
