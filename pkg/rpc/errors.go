package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/hutch/pkg/transport"
)

// Code classifies router errors. Codes survive the transport.
type Code string

const (
	CodeInvalidContext      Code = "invalid_context"
	CodeInvalidTarget       Code = "invalid_target"
	CodeInvalidEndpoint     Code = "invalid_endpoint"
	CodeNoEndpoint          Code = "no_endpoint"
	CodeIncompatibleVersion Code = "incompatible_version"
	CodeNodeNotFound        Code = "node_not_found"
	CodeReplicasetNotFound  Code = "replicaset_not_found"
	CodeBucketNotFound      Code = "bucket_not_found"
	CodeTierNotFound        Code = "tier_not_found"
	CodeNotRunning          Code = "service_not_running"
	CodeTimeout             Code = "timeout"
	CodeUnreachable         Code = "unreachable"
	CodeHandler             Code = "handler_error"
)

// Error is a router error
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return e.Message }

// ErrorCode returns the error code; the transport carries it to the caller
func (e *Error) ErrorCode() string { return string(e.Code) }

// Is matches errors by code
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Sentinels for errors.Is
var (
	ErrInvalidContext      = &Error{Code: CodeInvalidContext}
	ErrInvalidTarget       = &Error{Code: CodeInvalidTarget}
	ErrInvalidEndpoint     = &Error{Code: CodeInvalidEndpoint}
	ErrNoEndpoint          = &Error{Code: CodeNoEndpoint}
	ErrIncompatibleVersion = &Error{Code: CodeIncompatibleVersion}
	ErrNodeNotFound        = &Error{Code: CodeNodeNotFound}
	ErrReplicasetNotFound  = &Error{Code: CodeReplicasetNotFound}
	ErrBucketNotFound      = &Error{Code: CodeBucketNotFound}
	ErrTierNotFound        = &Error{Code: CodeTierNotFound}
	ErrNotRunning          = &Error{Code: CodeNotRunning}
	ErrTimeout             = &Error{Code: CodeTimeout}
	ErrUnreachable         = &Error{Code: CodeUnreachable}
)

// toError converts a handler or transport error into an *Error
func toError(err error) error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	var remote *transport.RemoteError
	if errors.As(err, &remote) {
		code := Code(remote.Code)
		if code == "" {
			code = CodeHandler
		}
		return &Error{Code: code, Message: remote.Message}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errorf(CodeTimeout, "timeout: %v", err)
	case errors.Is(err, transport.ErrUnreachable):
		return errorf(CodeUnreachable, "%v", err)
	}
	return &Error{Code: CodeHandler, Message: err.Error()}
}
