package types

import "fmt"

// Code is the broker's error taxonomy, surfaced to callers as a stable
// JSON-RPC error code.
type Code int

const (
	// CodeInvalidInput marks a malformed or incomplete request.
	CodeInvalidInput Code = iota
	// CodeParseError marks a filter or JSON parse failure.
	CodeParseError
	// CodeServiceNotReady marks a plugin that is still activating.
	CodeServiceNotReady
	// CodeServiceError marks a plugin that is missing or fatally broken.
	CodeServiceError
	// CodeSendFailure marks a closed or full driver channel.
	CodeSendFailure
	// CodeNotAvailable marks a correlator (call id) that could not be found.
	CodeNotAvailable
)

// JSONRPCCode returns the stable JSON-RPC error code for c.
func (c Code) JSONRPCCode() int {
	switch c {
	case CodeInvalidInput:
		return -32602
	case CodeParseError:
		return -32700
	case CodeServiceNotReady:
		return -32001
	case CodeServiceError:
		return -32002
	case CodeSendFailure:
		return -32003
	case CodeNotAvailable:
		return -32004
	default:
		return -32603
	}
}

func (c Code) String() string {
	switch c {
	case CodeInvalidInput:
		return "InvalidInput"
	case CodeParseError:
		return "ParseError"
	case CodeServiceNotReady:
		return "ServiceNotReady"
	case CodeServiceError:
		return "ServiceError"
	case CodeSendFailure:
		return "SendFailure"
	case CodeNotAvailable:
		return "NotAvailable"
	default:
		return "InternalError"
	}
}

// Error is a broker error carrying a stable taxonomy code. The
// human-readable message always embeds the code's enum tag.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a broker Error with the given code and message.
func NewError(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Wrap builds a broker Error with the given code, message, and cause.
func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// ToJSONRPCError converts err into a client-visible JSON-RPC error object.
// Unrecognized errors map to CodeServiceError's internal-error sibling with
// the bare error text.
func ToJSONRPCError(err error) *JSONRPCError {
	if err == nil {
		return nil
	}
	var be *Error
	if asBrokerError(err, &be) {
		return &JSONRPCError{Code: be.Code.JSONRPCCode(), Message: be.Error()}
	}
	return &JSONRPCError{Code: -32603, Message: err.Error()}
}

func asBrokerError(err error, target **Error) bool {
	for err != nil {
		if be, ok := err.(*Error); ok {
			*target = be
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
