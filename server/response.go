package server

import (
	"maps"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"hiway-rpc/codec"
	"hiway-rpc/invocation"
	"hiway-rpc/schema"
	"hiway-rpc/transport"
)

// writeResponse encodes resp with the body schema its status selects and queues it on
// the originating connection. Failures here are only logged: the response frame is the
// last channel back to the caller. An unencodable result is replaced by the generic
// unexpected error so the caller still gets an answer.
func (s *Server) writeResponse(w *transport.FrameWriter, id int64, op *schema.Operation, callContext map[string]string, resp *invocation.Response) {
	frame, err := encodeResponse(id, op, callContext, resp)
	if err != nil {
		s.logger.Error("Failed to encode response",
			zap.Int64("correlationId", id),
			zap.Int32("status", resp.Status),
			zap.Error(err))
		if frame, err = encodeResponse(id, op, callContext, invocation.Failure(invocation.Unexpected())); err != nil {
			s.logger.Error("Failed to encode fallback response", zap.Int64("correlationId", id), zap.Error(err))
			return
		}
	}
	if err := w.Write(frame); err != nil {
		s.logger.Warn("Failed to send response", zap.Int64("correlationId", id), zap.Error(err))
	}
}

// encodeResponse builds the response frame. The header carries the call context back
// unless resp brings its own; refusals that did not come from the operation are marked
// with invocation.ErrorKindKey.
func encodeResponse(id int64, op *schema.Operation, callContext map[string]string, resp *invocation.Response) ([]byte, error) {
	header := &codec.ResponseHeader{
		MsgType:      codec.MsgTypeResponse,
		StatusCode:   resp.Status,
		ReasonPhrase: resp.Reason,
		Context:      resp.Context,
	}
	if header.Context == nil {
		header.Context = callContext
	}
	// stages may still touch the invocation's map
	header.Context = maps.Clone(header.Context)

	var value any
	if resp.IsSuccess() {
		value = resp.Result
	} else {
		e := resp.Error()
		header.StatusCode = e.Status
		header.ReasonPhrase = e.Reason
		if e.Kind == invocation.KindBusiness {
			value = e.Payload
		}
		if e.Kind == invocation.KindUnexpected {
			header.ReasonPhrase = invocation.UnexpectedReason
		}
		if invocation.MarksRejection(e) {
			if header.Context == nil {
				header.Context = make(map[string]string, 1)
			}
			header.Context[invocation.ErrorKindKey] = invocation.KindRejected.String()
		}
	}

	var bodySchema *schema.Descriptor
	if op != nil {
		bodySchema = op.ResponseSchema(header.StatusCode)
	} else if header.StatusCode != schema.StatusOK {
		bodySchema = schema.ErrorSchema
	}
	body, err := bodyRecord(bodySchema, value)
	if err != nil {
		return nil, err
	}
	return codec.EncodeFrame(id, header, codec.ResponseHeaderSchema, body, bodySchema)
}

// bodyRecord lays a result out against its schema: scalars go into the wrapper field,
// records are sent as they are.
func bodyRecord(bodySchema *schema.Descriptor, value any) (schema.Record, error) {
	if bodySchema == nil || value == nil {
		return nil, nil
	}
	if bodySchema.IsWrapper() {
		return schema.Record{schema.WrappedField: value}, nil
	}
	switch v := value.(type) {
	case schema.Record:
		return v, nil
	case map[string]any:
		return v, nil
	}
	return nil, errors.Errorf("result %T does not fit response schema %s", value, bodySchema.Name())
}
