package pulse

import "time"

// Config holds tuning knobs shared across pulse components.
type Config struct {
	// BufferInterval is how often the client-side view publisher flushes
	// an aggregated snapshot, regardless of message arrival rate.
	BufferInterval time.Duration

	// TokenTTL is the lifetime of an issued subscription token.
	TokenTTL time.Duration

	// RefreshSkew is how long before token expiry a subscription starts
	// fetching a replacement.
	RefreshSkew time.Duration

	// MaxRetainedChunks caps the raw ai-stream records an aggregator
	// retains per (run, function) group for reassembly. Zero means
	// unbounded. When a group hits the cap its oldest records are
	// dropped, so very-late chunk arrivals beyond the cap no longer
	// update that group.
	MaxRetainedChunks int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferInterval:    2 * time.Second,
		TokenTTL:          1 * time.Minute,
		RefreshSkew:       10 * time.Second,
		MaxRetainedChunks: 0,
	}
}
