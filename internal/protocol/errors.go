package protocol

import (
	"errors"
	"fmt"
)

// Code is the closed set of error codes a client may observe.
type Code int32

const (
	CodeBadRequest       Code = 1
	CodeUnauthenticated  Code = 2
	CodeNotFound         Code = 3
	CodePermissionDenied Code = 4
	CodeInternal         Code = 5
)

func (c Code) String() string {
	switch c {
	case CodeBadRequest:
		return "BAD_REQUEST"
	case CodeUnauthenticated:
		return "UNAUTHENTICATED"
	case CodeNotFound:
		return "NOT_FOUND"
	case CodePermissionDenied:
		return "PERMISSION_DENIED"
	case CodeInternal:
		return "INTERNAL"
	default:
		return fmt.Sprintf("CODE(%d)", int32(c))
	}
}

// Valid reports whether c is one of the known codes.
func (c Code) Valid() bool {
	return c >= CodeBadRequest && c <= CodeInternal
}

// Error is an application error that is safe to send to a client.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches on code and message so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

var (
	ErrBadRequest      = NewError(CodeBadRequest, "BAD_REQUEST")
	ErrUnauthenticated = NewError(CodeUnauthenticated, "UNAUTHENTICATED")
	ErrMethodUnknown   = NewError(CodeBadRequest, "METHOD_UNKNOWN")
	ErrAlreadyInit     = NewError(CodeBadRequest, "ALREADY_INITIALIZED")
	ErrTextInvalid     = NewError(CodeBadRequest, "TEXT_INVALID")

	ErrPeerInvalid   = NewError(CodeNotFound, "PEER_INVALID")
	ErrMsgIDInvalid  = NewError(CodeNotFound, "MSG_ID_INVALID")
	ErrChatIDInvalid = NewError(CodeNotFound, "CHAT_ID_INVALID")
	ErrUserInvalid   = NewError(CodeNotFound, "USER_INVALID")
	ErrSpaceInvalid  = NewError(CodeNotFound, "SPACE_INVALID")

	ErrSpaceAdminRequired    = NewError(CodePermissionDenied, "SPACE_ADMIN_REQUIRED")
	ErrMessageAuthorRequired = NewError(CodePermissionDenied, "MESSAGE_AUTHOR_REQUIRED")
	ErrNotMember             = NewError(CodePermissionDenied, "NOT_A_MEMBER")

	ErrInternal = NewError(CodeInternal, "internal server error")
)

// Normalize maps any error onto the closed code set. Errors that are not
// *Error collapse to ErrInternal so no detail leaks.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) && pe.Code.Valid() {
		return pe
	}
	return ErrInternal
}

// CodeOf returns the wire code carried by err, or 0 when err did not come
// from the wire.
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return 0
}
