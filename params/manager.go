package params

import "time"

type ManagerConfig struct {
	// MaxConcurrentRequests bounds outstanding fetch+decode requests
	// issued from the viewport path.
	MaxConcurrentRequests int

	// MaxTilesPerPass is the hard ceiling on tiles considered by a single
	// visible-window pass. The window shrinks toward the center when the
	// prefetch margin would exceed it.
	MaxTilesPerPass int

	// PrefetchRing widens the visible window by whole rings of tiles.
	// Recognized values: 0, 1, 2.
	PrefetchRing int

	MinZoom int
	MaxZoom int

	// FlushInterval is the completion-drain cadence, roughly one
	// animation frame. FlushBatch caps insertions per drain.
	FlushInterval time.Duration
	FlushBatch    int
}

func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		MaxConcurrentRequests: 10,
		MaxTilesPerPass:       500,
		PrefetchRing:          1,
		MinZoom:               0,
		MaxZoom:               10,
		FlushInterval:         16 * time.Millisecond,
		FlushBatch:            24,
	}
}
