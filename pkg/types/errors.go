package types

import (
	"errors"
	"fmt"
	"strings"
)

// Code is a stable, exported error code. Codes survive across releases;
// callers may switch on them.
type Code int

const (
	CodeOK Code = iota
	CodeInvalArg
	CodeNomem
	CodeNotFound
	CodeInternal
	CodeUnsupported
	CodeValidationFailed
	CodeDataExists
	CodeDataMissing
	CodeLocked
	CodeTimeout
	CodeCallbackFailed
	CodeCallbackShelve
	CodeOperationFailed
	CodeLy
	CodeSys
)

var codeNames = map[Code]string{
	CodeOK:               "OK",
	CodeInvalArg:         "INVAL_ARG",
	CodeNomem:            "NOMEM",
	CodeNotFound:         "NOT_FOUND",
	CodeInternal:         "INTERNAL",
	CodeUnsupported:      "UNSUPPORTED",
	CodeValidationFailed: "VALIDATION_FAILED",
	CodeDataExists:       "DATA_EXISTS",
	CodeDataMissing:      "DATA_MISSING",
	CodeLocked:           "LOCKED",
	CodeTimeout:          "TIMEOUT",
	CodeCallbackFailed:   "CALLBACK_FAILED",
	CodeCallbackShelve:   "CALLBACK_SHELVE",
	CodeOperationFailed:  "OPERATION_FAILED",
	CodeLy:               "LY",
	CodeSys:              "SYS",
}

func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// ErrorInfo is one structured (path, message) entry attached to an
// error, typically a validation failure location.
type ErrorInfo struct {
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

// Error is the error type every caller-facing operation returns. It
// carries a code, a human message, optional per-path error info, and an
// optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Info    []ErrorInfo
	cause   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code.String())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	for _, i := range e.Info {
		b.WriteString("; ")
		if i.Path != "" {
			b.WriteString(i.Path)
			b.WriteString(": ")
		}
		b.WriteString(i.Message)
	}
	return b.String()
}

// Unwrap exposes the wrapped cause to errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// WithInfo appends structured error info and returns the error.
func (e *Error) WithInfo(path, message string) *Error {
	e.Info = append(e.Info, ErrorInfo{Path: path, Message: message})
	return e
}

// NewError builds an Error from a code and message.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf builds an Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a code and message to an underlying cause.
func WrapError(code Code, cause error, message string) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// CodeOf extracts the code of err. A nil error is CodeOK; a non-nil
// error that is not an *Error maps to CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// InfoOf extracts the structured error info of err, if any.
func InfoOf(err error) []ErrorInfo {
	var e *Error
	if errors.As(err, &e) {
		return e.Info
	}
	return nil
}
