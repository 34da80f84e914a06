package domain

import (
	"errors"
	"fmt"
)

// Code é o código legível por máquina de um erro do domínio.
type Code string

const (
	CodeConfiguration      Code = "configuration_error"
	CodeCapacityExceeded   Code = "capacity_exceeded"
	CodeProvider           Code = "provider_error"
	CodeStateInconsistency Code = "state_inconsistency"
	CodeNotFound           Code = "not_found"
	CodeInvalidArgument    Code = "invalid_argument"
)

// Error é o erro estruturado do domínio.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is compara por código, então errors.Is(err, ErrNotFound) funciona para
// qualquer erro com CodeNotFound.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func WrapError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Sentinelas para errors.Is.
var (
	ErrConfiguration      = &Error{Code: CodeConfiguration, Message: "configuration error"}
	ErrCapacityExceeded   = &Error{Code: CodeCapacityExceeded, Message: "capacity exceeded"}
	ErrProvider           = &Error{Code: CodeProvider, Message: "provider error"}
	ErrStateInconsistency = &Error{Code: CodeStateInconsistency, Message: "state inconsistency"}
	ErrNotFound           = &Error{Code: CodeNotFound, Message: "not found"}
	ErrInvalidArgument    = &Error{Code: CodeInvalidArgument, Message: "invalid argument"}
)

// CodeOf devolve o código do primeiro *Error da cadeia, ou "" se não houver.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
