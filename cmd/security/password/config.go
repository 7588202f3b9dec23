package password

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

// Params controls Argon2id cost. MemoryKiB is in KiB as argon2.IDKey expects.
type Params struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Policy bounds accepted group passwords.
type Policy struct {
	MinLength int
	MaxLength int
}

type Config struct {
	Params Params
	Policy Policy
}

// DefaultConfig uses the lighter Argon2id profile (19 MiB, t=2, p=1): group
// passwords are checked on every join, not once per session.
func DefaultConfig() Config {
	return Config{
		Params: Params{
			MemoryKiB:   19 * 1024,
			Iterations:  2,
			Parallelism: 1,
			SaltLength:  16,
			KeyLength:   32,
		},
		Policy: Policy{MinLength: 4, MaxLength: 128},
	}
}

// FromEnv overlays MEGDAN_GROUP_PASSWORD_MIN_LEN, MEGDAN_GROUP_PASSWORD_MAX_LEN
// and MEGDAN_ARGON2_{MEMORY_KIB,ITERATIONS,PARALLELISM,SALT_LEN,KEY_LEN} on
// DefaultConfig.
func FromEnv() (Config, error) {
	cfg := DefaultConfig()

	par := uint32(cfg.Params.Parallelism)

	ints := []struct {
		key      string
		min, max int
		dst      *int
	}{
		{"MEGDAN_GROUP_PASSWORD_MIN_LEN", 1, 1024, &cfg.Policy.MinLength},
		{"MEGDAN_GROUP_PASSWORD_MAX_LEN", 1, 4096, &cfg.Policy.MaxLength},
	}
	for _, e := range ints {
		v, ok := os.LookupEnv(e.key)
		if !ok {
			continue
		}
		n, err := parseRange(v, uint64(e.min), uint64(e.max))
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", e.key, err)
		}
		*e.dst = int(n)
	}

	u32s := []struct {
		key      string
		min, max uint32
		dst      *uint32
	}{
		{"MEGDAN_ARGON2_MEMORY_KIB", 8 * 1024, 1024 * 1024, &cfg.Params.MemoryKiB},
		{"MEGDAN_ARGON2_ITERATIONS", 1, 20, &cfg.Params.Iterations},
		{"MEGDAN_ARGON2_PARALLELISM", 1, math.MaxUint8, &par},
		{"MEGDAN_ARGON2_SALT_LEN", 8, 64, &cfg.Params.SaltLength},
		{"MEGDAN_ARGON2_KEY_LEN", 16, 64, &cfg.Params.KeyLength},
	}
	for _, e := range u32s {
		v, ok := os.LookupEnv(e.key)
		if !ok {
			continue
		}
		n, err := parseRange(v, uint64(e.min), uint64(e.max))
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", e.key, err)
		}
		*e.dst = uint32(n) // #nosec G115 -- bounded by parseRange.
	}
	cfg.Params.Parallelism = uint8(par) // #nosec G115 -- bounded to MaxUint8 above.

	if cfg.Policy.MinLength > cfg.Policy.MaxLength {
		return Config{}, fmt.Errorf("group password policy invalid: min_len(%d) > max_len(%d)",
			cfg.Policy.MinLength, cfg.Policy.MaxLength)
	}
	return cfg, nil
}

func parseRange(s string, lo, hi uint64) (uint64, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("not an unsigned integer")
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("out of range [%d..%d]", lo, hi)
	}
	return n, nil
}
