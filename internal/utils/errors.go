package utils

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeNotFound        Code = "NOT_FOUND"
	CodeUnavailable     Code = "UNAVAILABLE"
	CodeTimeout         Code = "TIMEOUT"
	CodeInternal        Code = "INTERNAL"

	CodeModelNotLoaded    Code = "MODEL_NOT_LOADED"
	CodeGenerationFailed  Code = "GENERATION_FAILED"
	CodeGenerationTimeout Code = "GENERATION_TIMEOUT"
	CodeStreamCancelled   Code = "STREAM_CANCELLED"
	CodeNotConfigured     Code = "NOT_CONFIGURED"
)

// StatusClientClosedRequest is the nginx convention for a client that went
// away mid-stream; net/http has no constant for it.
const StatusClientClosedRequest = 499

// AppError is the unified error contract across layers.
type AppError struct {
	Code    Code
	Op      string // operation name, ex: "DialogueService.RunDialogue"
	Message string // safe message
	Err     error  // wrapped error
}

func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch {
	case e.Op != "" && e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Op != "" && e.Message != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return "error"
	}
}

func (e *AppError) Unwrap() error { return e.Err }

func E(code Code, op, msg string, err error) error {
	return &AppError{Code: code, Op: op, Message: msg, Err: err}
}

func IsCode(err error, code Code) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code == code
	}
	return false
}

func ErrCode(err error) Code {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

func HTTPStatus(err error) int {
	var ae *AppError
	if errors.As(err, &ae) {
		switch ae.Code {
		case CodeInvalidArgument:
			return http.StatusBadRequest
		case CodeNotFound:
			return http.StatusNotFound
		case CodeUnavailable, CodeModelNotLoaded, CodeNotConfigured:
			return http.StatusServiceUnavailable
		case CodeTimeout, CodeGenerationTimeout:
			return http.StatusGatewayTimeout
		case CodeStreamCancelled:
			return StatusClientClosedRequest
		default:
			return http.StatusInternalServerError
		}
	}
	return http.StatusInternalServerError
}
