// Package errs carries the coded error taxonomy of the relay and the
// client call stack. Callers match on the code, never on the message.
package errs

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

// 错误码分段：1xxx 认证，2xxx 路由，3xxx 呼叫状态，4xxx 媒体能力，5xxx 传输。
const (
	CodeAuthRequired = 1001
	CodeInvalidToken = 1002
	CodeTokenExpired = 1003

	CodeUserOffline = 2001

	CodeCallInProgress  = 3001
	CodeInvalidState    = 3002
	CodeNoActiveSession = 3003

	CodeCapability = 4001

	CodeTransport    = 5001
	CodeDisconnected = 5002
)

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func New(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

func (e *CodeError) Error() string {
	if e.Detail == "" {
		return e.Msg
	}
	return e.Msg + ": " + e.Detail
}

// WithDetail returns a copy carrying extra context; the original stays
// usable as a sentinel.
func (e *CodeError) WithDetail(detail string) *CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: d}
}

// Wrap attaches a stack to the error.
func (e *CodeError) Wrap() error { return errors.WithStack(e) }

// Is matches by code so WithDetail copies still satisfy errors.Is
// against the sentinel.
func (e *CodeError) Is(target error) bool {
	var ce *CodeError
	if !stderrors.As(target, &ce) {
		return false
	}
	return e.Code == ce.Code
}

// ===== 预定义错误 =====

var (
	// AuthError family: connection is closed, the relay never retries.
	ErrAuthRequired = New(CodeAuthRequired, "authentication required")
	ErrInvalidToken = New(CodeInvalidToken, "invalid token")
	ErrTokenExpired = New(CodeTokenExpired, "token expired")

	// RoutingError: target offline/unknown. Dropped silently on the
	// relay side; exported for callers that want to observe it.
	ErrUserOffline = New(CodeUserOffline, "user offline")

	// CallStateError family: operation illegal in the current state,
	// state is left unchanged.
	ErrCallInProgress  = New(CodeCallInProgress, "a call is already in progress")
	ErrInvalidState    = New(CodeInvalidState, "invalid call state")
	ErrNoActiveSession = New(CodeNoActiveSession, "no active call session")

	// CapabilityError: local media/negotiation failure, session goes to
	// failed and is cleaned up.
	ErrCapability = New(CodeCapability, "media capability failure")

	// TransportError family.
	ErrTransport    = New(CodeTransport, "transport failure")
	ErrDisconnected = New(CodeDisconnected, "disconnected")
)

// CodeOf returns the code of err, or 0 when err carries none.
func CodeOf(err error) int {
	var ce *CodeError
	if stderrors.As(err, &ce) {
		return ce.Code
	}
	return 0
}
