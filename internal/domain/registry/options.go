package registry

import "time"

// Option defines a functional configuration type for the Hub.
type Option func(*Hub)

// WithEvictionInterval configures how often the [JANITOR] process runs
// to reclaim memory from quiet topics. Zero disables the janitor.
func WithEvictionInterval(d time.Duration) Option {
	return func(h *Hub) {
		h.config.evictionInterval = d
	}
}

// WithIdleTimeout defines the [QUIET_PERIOD] after which a topic cell
// without subscribers is considered eligible for eviction.
func WithIdleTimeout(d time.Duration) Option {
	return func(h *Hub) {
		h.config.idleTimeout = d
	}
}

// WithRetention sets the [REPLAY_WINDOW]: how many recent envelopes each
// topic keeps for reconnecting observers.
func WithRetention(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.config.retention = n
		}
	}
}

// WithSubscriberBuffer sets the [BACKPRESSURE] threshold of every subscriber channel.
func WithSubscriberBuffer(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.config.subscriberBuffer = size
		}
	}
}
