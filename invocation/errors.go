package invocation

import (
	"fmt"

	"github.com/pkg/errors"

	"hiway-rpc/schema"
)

// Kind classifies a failed invocation.
type Kind int

const (
	// KindLocal failed on the consumer before anything reached the network.
	KindLocal Kind = iota + 1
	// KindTransport is a connection, write or timeout failure. Retry stages act on it.
	KindTransport
	// KindBusiness is a failure status reported by the provider, with its payload.
	KindBusiness
	// KindUnexpected is an undeclared provider failure. It never carries details.
	KindUnexpected
	// KindRejected is a request the provider refused before the operation ran: unknown
	// operation, undecodable arguments, a provider stage or a saturated executor.
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindTransport:
		return "transport"
	case KindBusiness:
		return "business"
	case KindUnexpected:
		return "unexpected"
	case KindRejected:
		return "rejected"
	}
	return "unknown"
}

// Status codes with a fixed meaning. Any other non-success status is a business status.
const (
	StatusOK                 = schema.StatusOK
	StatusBadRequest   int32 = 400
	StatusUnauthorized int32 = 401
	StatusNotFound     int32 = 404
	StatusTimeout      int32 = 408
	StatusTooMany      int32 = 429
	StatusUnavailable  int32 = 503
	// StatusConsumerInternal marks failures raised on the calling side.
	StatusConsumerInternal int32 = 490
	// StatusProducerInternal marks undeclared provider failures.
	StatusProducerInternal int32 = 590
)

// ErrorKindKey is the response context entry a provider sets on failures that did not
// come from the operation, so the consumer can tell them from business statuses.
const ErrorKindKey = "x-error-kind"

// UnexpectedReason is the only text an undeclared provider failure puts on the wire.
const UnexpectedReason = "Unexpected producer error"

// Error is the failure type delivered to callers.
type Error struct {
	Kind    Kind
	Status  int32
	Reason  string
	Payload any
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s error, status %d, %s", e.Kind, e.Status, e.Reason)
	if e.Payload != nil {
		msg += fmt.Sprintf(": %v", e.Payload)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

var (
	ErrNoAvailableEndpoint = &Error{Kind: KindLocal, Status: StatusConsumerInternal, Reason: "no available endpoint"}
	ErrOperationNotFound   = &Error{Kind: KindLocal, Status: StatusNotFound, Reason: "operation not found", Err: schema.ErrNotFound}
	ErrConnectionLost      = &Error{Kind: KindTransport, Status: StatusConsumerInternal, Reason: "connection lost"}
	ErrTimeout             = &Error{Kind: KindTransport, Status: StatusTimeout, Reason: "request timed out"}
	ErrExecutorRejected    = &Error{Kind: KindLocal, Status: StatusUnavailable, Reason: "executor rejected task"}
)

// NewLocal wraps a consumer-side failure.
func NewLocal(status int32, reason string, cause error) *Error {
	return &Error{Kind: KindLocal, Status: status, Reason: reason, Err: cause}
}

// NewTransport wraps a network failure.
func NewTransport(reason string, cause error) *Error {
	return &Error{Kind: KindTransport, Status: StatusConsumerInternal, Reason: reason, Err: cause}
}

// NewBusiness builds a declared provider failure. Operations return it (or a declared
// sentinel) to send status and payload back to the caller.
func NewBusiness(status int32, payload any) *Error {
	return &Error{Kind: KindBusiness, Status: status, Reason: "business error", Payload: payload}
}

// Unexpected is the provider's answer for any undeclared failure.
func Unexpected() *Error {
	return &Error{Kind: KindUnexpected, Status: StatusProducerInternal, Reason: UnexpectedReason}
}

// Rejected rebuilds a provider refusal on the consumer.
func Rejected(status int32, reason string) *Error {
	return &Error{Kind: KindRejected, Status: status, Reason: reason}
}

// FromStatus rebuilds the caller-visible error of a remote failure response.
func FromStatus(status int32, reason string, payload any) *Error {
	if status == StatusProducerInternal || status == StatusConsumerInternal {
		return &Error{Kind: KindUnexpected, Status: status, Reason: reason}
	}
	return &Error{Kind: KindBusiness, Status: status, Reason: reason, Payload: payload}
}

// FromResponse rebuilds the error of a remote failure from its status and the response
// context. Failures marked as rejected never carry a payload.
func FromResponse(status int32, reason string, callContext map[string]string, payload any) *Error {
	if callContext[ErrorKindKey] == KindRejected.String() {
		return Rejected(status, reason)
	}
	return FromStatus(status, reason, payload)
}

// MarksRejection reports whether a failure produced on the provider must be flagged as
// a rejection on the wire. Business and unexpected failures travel as they are.
func MarksRejection(e *Error) bool {
	return e.Kind != KindBusiness && e.Kind != KindUnexpected
}

// AsError finds the *Error in err's chain. Foreign errors become unexpected local errors.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewLocal(StatusConsumerInternal, "unexpected consumer error", err)
}

// KindOf reports the kind of err, 0 for nil.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	return AsError(err).Kind
}

// IsTransport, IsBusiness and IsRejected test the kind of err.
func IsTransport(err error) bool { return KindOf(err) == KindTransport }
func IsBusiness(err error) bool  { return KindOf(err) == KindBusiness }
func IsRejected(err error) bool  { return KindOf(err) == KindRejected }
