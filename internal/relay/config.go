package relay

import (
	"io"
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
)

const DefaultSendQueueBytes = 1 << 20 // 1MiB

type Config struct {
	// SendQueueBytes bounds the frames buffered for a single member. Frames
	// that would exceed it are dropped for that member only.
	SendQueueBytes int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func DefaultConfig() Config {
	return Config{
		SendQueueBytes: DefaultSendQueueBytes,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:        metrics.New(),
	}
}

// WithDefaults returns c with any zero/invalid fields replaced with sensible
// defaults.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.SendQueueBytes <= 0 {
		c.SendQueueBytes = d.SendQueueBytes
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	if c.Metrics == nil {
		c.Metrics = d.Metrics
	}
	return c
}
