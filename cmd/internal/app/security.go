package app

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
)

// minTokenSecretBytes is the shortest configured HS256 secret accepted.
const minTokenSecretBytes = 32

var (
	ErrTokenSecretMissing  = errors.New("security policy: MEGDAN_REQUIRE_TOKEN_SECRET=true but MEGDAN_TOKEN_SECRET is missing")
	ErrTokenSecretTooShort = fmt.Errorf("security policy: MEGDAN_TOKEN_SECRET is too short (min %d bytes)", minTokenSecretBytes)
)

// tokenSecret returns the login-token signing secret.
//
// A configured secret must be long enough. Without one the server makes an
// ephemeral secret, so tokens do not survive a restart; RequireTokenSecret
// turns that into a startup error.
func tokenSecret(cfg Config, log *slog.Logger) (string, error) {
	switch {
	case cfg.TokenSecret != "":
		// Bytes, not runes: the key is used as raw bytes.
		if len(cfg.TokenSecret) < minTokenSecretBytes {
			return "", ErrTokenSecretTooShort
		}
		return cfg.TokenSecret, nil
	case cfg.RequireTokenSecret:
		return "", ErrTokenSecretMissing
	default:
		log.Warn("security.token_secret.ephemeral")
		return rand.Text() + rand.Text(), nil
	}
}
