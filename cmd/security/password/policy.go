package password

import "unicode/utf8"

// Validate checks the length policy in runes.
func (c Config) Validate(password string) error {
	n := utf8.RuneCountInString(password)
	switch {
	case n < c.Policy.MinLength:
		return ErrTooShort
	case n > c.Policy.MaxLength:
		return ErrTooLong
	default:
		return nil
	}
}
