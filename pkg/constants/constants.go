// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 30 * time.Second

	// WebSocketPongWait is how long a connection may stay silent before it is dropped
	WebSocketPongWait = 60 * time.Second

	// WebSocketWriteWait bounds a single frame write
	WebSocketWriteWait = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// Signaling limits
const (
	// MaxSignalingMessageSize is the largest signaling frame accepted from a client
	MaxSignalingMessageSize = 64 * 1024

	// SignalingSendBuffer is the per-connection outbound queue length
	SignalingSendBuffer = 64

	// DefaultMaxSignalingConnections caps concurrent signaling connections per instance
	DefaultMaxSignalingConnections = 1000
)

// Call-related constants
const (
	// DefaultRingTimeout is how long a call may stay pending before it is marked missed
	DefaultRingTimeout = 45 * time.Second

	// DefaultSweepSchedule is the cron expression of the ring-timeout sweeper
	DefaultSweepSchedule = "@every 5s"

	// DefaultSignalingRequestTimeout bounds one client request/response exchange
	DefaultSignalingRequestTimeout = 3 * time.Second

	// DefaultPollInterval is the client orchestrator tick
	DefaultPollInterval = 200 * time.Millisecond
)

// Presence constants
const (
	// PresenceTTL is how long an online flag survives without a heartbeat
	PresenceTTL = 5 * time.Minute
)

// User lookup cache
const (
	UserCacheTTL     = time.Minute
	UserCacheSize    = 10000
	UserCacheCleanup = 5 * time.Minute
)

// Media constants
const (
	// AudioChunkSize is the payload size of one media datagram
	AudioChunkSize = 1024

	// AudioSampleRate is the PCM sample rate in Hz
	AudioSampleRate = 16000
)
