package gateway

import (
	"context"
	"errors"
	"fmt"

	"megdan/cmd/internal/chat"
	v1 "megdan/shared/contracts/chat/v1"
)

// errDial marks transport failures that happen before the backend is reached.
var errDial = errors.New("gateway: dial failed")

// errClosed is returned after Close.
var errClosed = errors.New("gateway: closed")

// RemoteError is an error envelope returned by the backend.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string { return fmt.Sprintf("backend error %s: %s", e.Code, e.Message) }

// rejectedCodes are backend answers that retrying cannot fix.
var rejectedCodes = map[string]bool{
	v1.CodeBadRequest:         true,
	v1.CodeUnauthorized:       true,
	v1.CodeInvalidCredentials: true,
	v1.CodeNotFound:           true,
	v1.CodeConflict:           true,
	v1.CodeForbidden:          true,
	v1.CodePasswordRequired:   true,
	v1.CodeWrongPassword:      true,
	v1.CodeRejected:           true,
}

// Classify wraps err into a *chat.GatewayError. Errors that already are
// classified pass through.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ge *chat.GatewayError
	if errors.As(err, &ge) {
		return err
	}

	out := &chat.GatewayError{Op: op, Kind: chat.ErrNetwork, Err: err}
	var re *RemoteError
	switch {
	case errors.As(err, &re):
		out.Code = re.Code
		if rejectedCodes[re.Code] {
			out.Kind = chat.ErrRejected
		}
	case errors.Is(err, errDial), errors.Is(err, errClosed):
		out.Kind = chat.ErrUnreachable
	case errors.Is(err, context.DeadlineExceeded):
		out.Kind = chat.ErrTimeout
	case errors.Is(err, chat.ErrEmpty):
		out.Kind = chat.ErrEmpty
	}
	return out
}

func emptyReply(op string) error {
	return &chat.GatewayError{Op: op, Kind: chat.ErrEmpty}
}
