package realtime

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout   = 5 * time.Second
	wsDefaultReadIdle       = 2 * time.Minute
	wsDefaultRequestTimeout = 10 * time.Second
	wsCloseGrace            = 1 * time.Second

	wsMaxPingFailures = 3

	// Origin is required and only localhost is allowed unless configured.
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// WSConfig tunes the WebSocket gateway.
type WSConfig struct {
	// DevInsecure disables the websocket library's own origin check. Dev only.
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	RequestTimeout  time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

// WSConfigFromEnv reads MEGDAN_WS_* variables. Invalid values keep defaults.
func WSConfigFromEnv() WSConfig {
	c := WSConfig{
		DevInsecure:      envBool("MEGDAN_WS_DEV_INSECURE", false),
		OriginRequired:   envBool("MEGDAN_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired),
		AllowedOrigins:   envCSV("MEGDAN_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins),
		WriteTimeout:     envDuration("MEGDAN_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout),
		ReadIdleTimeout:  envDuration("MEGDAN_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle),
		RequestTimeout:   envDuration("MEGDAN_WS_REQUEST_TIMEOUT", wsDefaultRequestTimeout),
		SendQueueSize:    envInt("MEGDAN_WS_SEND_QUEUE", wsDefaultSendQueueSize),
		HeartbeatEvery:   envDuration("MEGDAN_WS_HEARTBEAT_INTERVAL", heartbeatInterval),
		HeartbeatTimeout: envDuration("MEGDAN_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout),
		RateEvents:       envInt("MEGDAN_WS_RATE_EVENTS", rateLimitEvents),
		RateWindow:       envDuration("MEGDAN_WS_RATE_WINDOW", rateLimitWindow),
	}
	return c.withDefaults()
}

func (c WSConfig) withDefaults() WSConfig {
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = wsDefaultWriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = wsDefaultReadIdle
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = wsDefaultRequestTimeout
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = heartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = heartbeatTimeout
	}
	return c
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSV(key, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	return splitList(raw)
}
