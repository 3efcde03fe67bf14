package invocation

// Response is the uniform outcome of an invocation on either side.
type Response struct {
	Status  int32
	Reason  string
	Result  any
	Err     error
	Context map[string]string
}

// Success wraps the result of a completed operation.
func Success(result any) *Response {
	return &Response{Status: StatusOK, Reason: "OK", Result: result}
}

// Failure wraps err; its status comes from the *Error in err's chain.
func Failure(err error) *Response {
	e := AsError(err)
	return &Response{Status: e.Status, Reason: e.Reason, Err: err}
}

// IsSuccess reports an OK status without error.
func (r *Response) IsSuccess() bool {
	return r.Err == nil && r.Status == StatusOK
}

// Error returns the failure as an *Error, nil on success.
func (r *Response) Error() *Error {
	if r.IsSuccess() {
		return nil
	}
	if r.Err == nil {
		return FromResponse(r.Status, r.Reason, r.Context, r.Result)
	}
	return AsError(r.Err)
}
