package realtime

import "time"

const (
	// Max bytes per websocket frame read.
	maxFrameBytes = 64 << 10

	// Max message text length in runes.
	maxMessageChars = 4000

	maxUIDChars  = 100
	maxNameChars = 100
)

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection events per window.
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
