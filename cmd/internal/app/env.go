package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// env reads configuration values. Blank or invalid values fall back to the
// default.
type env func(key string) string

var osEnv env = os.Getenv

func (e env) lookup(key string) string { return strings.TrimSpace(e(key)) }

func (e env) String(key, def string) string {
	if v := e.lookup(key); v != "" {
		return v
	}
	return def
}

func (e env) Bool(key string, def bool) bool {
	b, err := strconv.ParseBool(e.lookup(key))
	if err != nil {
		return def
	}
	return b
}

// Int accepts positive values only.
func (e env) Int(key string, def int) int {
	n, err := strconv.Atoi(e.lookup(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// Int32 accepts zero, for minimum pool sizes.
func (e env) Int32(key string, def int32) int32 {
	n, err := strconv.ParseInt(e.lookup(key), 10, 32)
	if err != nil || n < 0 {
		return def
	}
	return int32(n)
}

func (e env) Duration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(e.lookup(key))
	if err != nil || d <= 0 {
		return def
	}
	return d
}
