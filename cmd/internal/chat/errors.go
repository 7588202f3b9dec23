package chat

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel error kinds (stable for errors.Is and for user-facing messages).
var (
	ErrInvalidCredentials = errors.New("invalid_credentials")
	ErrUnreachable        = errors.New("unreachable")

	ErrNetwork = errors.New("network")
	ErrTimeout = errors.New("timeout")
	ErrEmpty   = errors.New("empty")

	ErrRejected = errors.New("rejected")

	ErrPasswordRequired = errors.New("password_required")
	ErrAdminOnly        = errors.New("admin_only")
	ErrJoinFailed       = errors.New("join_failed")
)

// GatewayError is what a gateway implementation returns. Kind is one of
// ErrUnreachable, ErrNetwork, ErrTimeout, ErrRejected or ErrEmpty; Code is the
// backend error code when the backend answered.
type GatewayError struct {
	Op   string
	Kind error
	Code string
	Err  error
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return opErrorString(e.Op, fmt.Errorf("%w (%s)", e.Kind, e.Code), e.Err)
	}
	return opErrorString(e.Op, e.Kind, e.Err)
}

func (e *GatewayError) Unwrap() []error { return unwrapPair(e.Kind, e.Err) }

// GatewayCode returns the backend error code carried by err, if any.
func GatewayCode(err error) string {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ""
}

// AuthError is returned by login, registration and session restore.
// Kind is ErrInvalidCredentials or ErrUnreachable.
type AuthError struct {
	Op   string
	Kind error
	Err  error
}

func (e *AuthError) Error() string { return opErrorString(e.Op, e.Kind, e.Err) }

func (e *AuthError) Unwrap() []error { return unwrapPair(e.Kind, e.Err) }

// FetchError is returned by list and history reads.
// Kind is ErrNetwork, ErrTimeout or ErrEmpty.
type FetchError struct {
	Op   string
	Kind error
	Err  error
}

func (e *FetchError) Error() string { return opErrorString(e.Op, e.Kind, e.Err) }

func (e *FetchError) Unwrap() []error { return unwrapPair(e.Kind, e.Err) }

// SendError is returned by message sends.
// Kind is ErrNetwork or ErrRejected.
type SendError struct {
	Op   string
	Kind error
	Err  error
}

func (e *SendError) Error() string { return opErrorString(e.Op, e.Kind, e.Err) }

func (e *SendError) Unwrap() []error { return unwrapPair(e.Kind, e.Err) }

// JoinDeniedError reports why a group conversation cannot be opened.
// Reason is ErrPasswordRequired, ErrAdminOnly or ErrJoinFailed.
type JoinDeniedError struct {
	GroupID string
	Reason  error
	Err     error
}

func (e *JoinDeniedError) Error() string {
	return opErrorString("membership.CanOpen("+e.GroupID+")", e.Reason, e.Err)
}

func (e *JoinDeniedError) Unwrap() []error { return unwrapPair(e.Reason, e.Err) }

// NewAuthError classifies a gateway failure for login-like operations.
func NewAuthError(op string, err error) *AuthError {
	kind := ErrUnreachable
	if errors.Is(err, ErrRejected) || errors.Is(err, ErrInvalidCredentials) {
		kind = ErrInvalidCredentials
	}
	return &AuthError{Op: op, Kind: kind, Err: err}
}

// NewFetchError classifies a gateway failure for reads.
func NewFetchError(op string, err error) *FetchError {
	kind := ErrNetwork
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		kind = ErrTimeout
	case errors.Is(err, ErrEmpty):
		kind = ErrEmpty
	}
	return &FetchError{Op: op, Kind: kind, Err: err}
}

// NewSendError classifies a gateway failure for sends.
func NewSendError(op string, err error) *SendError {
	kind := ErrNetwork
	if errors.Is(err, ErrRejected) {
		kind = ErrRejected
	}
	return &SendError{Op: op, Kind: kind, Err: err}
}

// IsAuthError reports whether err is an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsFetchError reports whether err is a FetchError.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// IsSendError reports whether err is a SendError.
func IsSendError(err error) bool {
	var se *SendError
	return errors.As(err, &se)
}

// UserMessage renders err as a short user-visible sentence.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidCredentials):
		return "Login failed: unknown user or wrong credentials."
	case errors.Is(err, ErrUnreachable):
		return "Chat service is unreachable. Try again later."
	case errors.Is(err, ErrTimeout):
		return "The request timed out. Try again."
	case errors.Is(err, ErrEmpty):
		return "Nothing to show."
	case errors.Is(err, ErrPasswordRequired):
		return "This group requires a password to join."
	case errors.Is(err, ErrAdminOnly):
		return "This is a private group. Only the admin can add you."
	case errors.Is(err, ErrJoinFailed):
		return "Could not join the group."
	case errors.Is(err, ErrRejected):
		return "The message was rejected."
	case errors.Is(err, ErrNetwork):
		return "Network error. Try again."
	default:
		return err.Error()
	}
}

func opErrorString(op string, kind, cause error) string {
	if cause == nil {
		return fmt.Sprintf("%s: %v", op, kind)
	}
	return fmt.Sprintf("%s: %v: %v", op, kind, cause)
}

func unwrapPair(kind, cause error) []error {
	if cause == nil {
		return []error{kind}
	}
	return []error{kind, cause}
}
