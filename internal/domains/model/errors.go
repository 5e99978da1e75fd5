package model

import (
	"errors"
	"fmt"
	"time"
)

// Code is a stable, machine-readable failure identifier. Callers branch on the
// code, never on message text.
type Code string

const (
	CodeDNSVerificationFailed Code = "DNS_VERIFICATION_FAILED"
	CodeDNSQueryError         Code = "DNS_QUERY_ERROR"
	CodeDomainAlreadyExists   Code = "DOMAIN_ALREADY_EXISTS"
	CodeInvalidDomain         Code = "INVALID_DOMAIN"
	CodeSSLGenerationFailed   Code = "SSL_GENERATION_FAILED"
	CodeSSLTimeout            Code = "SSL_TIMEOUT"
	CodeSSLRateLimit          Code = "SSL_RATE_LIMIT"
	CodeSSLValidationFailed   Code = "SSL_VALIDATION_FAILED"
	CodeInvalidRetryState     Code = "INVALID_RETRY_STATE"
	CodeVPSConnectionFailed   Code = "VPS_CONNECTION_FAILED"
	CodeSSLProcessBusy        Code = "SSL_PROCESS_BUSY"

	CodeDomainNotFound  Code = "DOMAIN_NOT_FOUND"
	CodeDomainNotReady  Code = "DOMAIN_NOT_READY"
	CodeSSLExpired      Code = "SSL_EXPIRED"
	CodeInvalidRequest  Code = "INVALID_REQUEST"
	CodeUnauthorized    Code = "UNAUTHORIZED"
	CodeInternal        Code = "INTERNAL"
	CodeRequestInFlight Code = "REQUEST_IN_FLIGHT"
	CodeTooManyRequests Code = "TOO_MANY_REQUESTS"
)

// Class groups codes by how a caller should react.
type Class string

const (
	ClassValidation  Class = "validation"
	ClassTransient   Class = "transient"
	ClassOwnerAction Class = "owner_action"
	ClassConcurrency Class = "concurrency"
	ClassRateLimit   Class = "rate_limit"
	ClassInternal    Class = "internal"
)

// Class returns the taxonomy class for c.
func (c Code) Class() Class {
	switch c {
	case CodeInvalidDomain, CodeDomainAlreadyExists, CodeDomainNotFound,
		CodeDomainNotReady, CodeInvalidRequest, CodeUnauthorized:
		return ClassValidation
	case CodeDNSQueryError, CodeVPSConnectionFailed, CodeSSLTimeout, CodeSSLGenerationFailed:
		return ClassTransient
	case CodeDNSVerificationFailed, CodeSSLValidationFailed, CodeSSLExpired:
		return ClassOwnerAction
	case CodeSSLProcessBusy, CodeInvalidRetryState, CodeRequestInFlight:
		return ClassConcurrency
	case CodeSSLRateLimit, CodeTooManyRequests:
		return ClassRateLimit
	default:
		return ClassInternal
	}
}

// Error is a coded failure. errors.Is matches any *Error with the same code.
type Error struct {
	Code    Code
	Message string
	Err     error
	// RetryAfter is set on rate-limit errors when the wait is known.
	RetryAfter time.Duration
	// Record is the missing or wrong DNS record of a verification failure.
	Record *RecordRef
}

// Errorf builds a coded error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a coded error that keeps err as its cause.
func Wrap(code Code, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on code so callers can write errors.Is(err, model.ErrSSLProcessBusy).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Detail returns the persisted form of e.
func (e *Error) Detail() *ErrorDetail {
	return &ErrorDetail{Code: e.Code, Message: e.Message, Record: e.Record}
}

// Sentinels for errors.Is comparisons.
var (
	ErrDNSVerificationFailed = &Error{Code: CodeDNSVerificationFailed}
	ErrDNSQueryError         = &Error{Code: CodeDNSQueryError}
	ErrDomainAlreadyExists   = &Error{Code: CodeDomainAlreadyExists}
	ErrInvalidDomain         = &Error{Code: CodeInvalidDomain}
	ErrSSLProcessBusy        = &Error{Code: CodeSSLProcessBusy}
	ErrInvalidRetryState     = &Error{Code: CodeInvalidRetryState}
	ErrSSLRateLimit          = &Error{Code: CodeSSLRateLimit}
	ErrDomainNotFound        = &Error{Code: CodeDomainNotFound}
	ErrDomainNotReady        = &Error{Code: CodeDomainNotReady}
)

// CodeOf extracts the code from err, or CodeInternal when err is not coded.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// AsError returns err as a coded error, wrapping uncoded errors as INTERNAL.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(CodeInternal, err, "internal error")
}
