package params

import "time"

type FetchConfig struct {
	// Workers is the number of fetch/decode worker goroutines.
	Workers int

	// AttemptTimeout bounds a single HTTP GET attempt.
	AttemptTimeout time.Duration

	// RetryMax is the attempt ceiling for transient failures.
	// A 404 is definitive and never retried.
	RetryMax int

	// BackoffInitial is the linear backoff unit between attempts:
	// attempt n waits (n-1) * BackoffInitial before running.
	BackoffInitial time.Duration

	// AbsentTTL is how long a 404'd tile stays in the negative cache
	// before it may be requested again.
	AbsentTTL time.Duration

	// MeterLogInterval is the cadence of the fetch throughput log line.
	// Zero disables the meter logger.
	MeterLogInterval time.Duration
}

func DefaultFetchConfig() *FetchConfig {
	return &FetchConfig{
		Workers:          4,
		AttemptTimeout:   30 * time.Second,
		RetryMax:         3,
		BackoffInitial:   3 * time.Second,
		AbsentTTL:        15 * time.Minute,
		MeterLogInterval: 30 * time.Second,
	}
}
