package password

import (
	"errors"
	"testing"
)

func TestHashAndCheck(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	h, err := cfg.Hash("study-room")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}

	if err := cfg.Check(h, "study-room"); err != nil {
		t.Fatalf("expected match, got %v", err)
	}
	if err := cfg.Check(h, "wrong"); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected ErrMismatch, got %v", err)
	}
}

func TestValidate_Bounds(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Policy = Policy{MinLength: 4, MaxLength: 8}

	cases := []struct {
		in   string
		want error
	}{
		{"abc", ErrTooShort},
		{"abcd", nil},
		{"ключ", nil},
		{"abcdefghi", ErrTooLong},
	}
	for _, tc := range cases {
		if err := cfg.Validate(tc.in); !errors.Is(err, tc.want) {
			t.Fatalf("Validate(%q)=%v want=%v", tc.in, err, tc.want)
		}
	}
}

func TestVerify_InvalidHash(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	for _, h := range []string{
		"not-a-hash",
		"$argon2i$v=19$m=19456,t=2,p=1$c2FsdHNhbHQ$a2V5",
		"$argon2id$v=19$m=99999999,t=2,p=1$c2FsdHNhbHRzYWx0c2FsdA$a2V5a2V5a2V5a2V5a2V5a2V5a2V5",
	} {
		ok, err := cfg.Verify(h, "whatever")
		if !errors.Is(err, ErrInvalidHash) || ok {
			t.Fatalf("Verify(%q)=%v,%v want ErrInvalidHash", h, ok, err)
		}
	}
}
