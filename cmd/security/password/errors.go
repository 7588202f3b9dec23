package password

import "errors"

var (
	ErrTooShort    = errors.New("group password too short")
	ErrTooLong     = errors.New("group password too long")
	ErrInvalidHash = errors.New("invalid password hash")
	ErrMismatch    = errors.New("password mismatch")
)
