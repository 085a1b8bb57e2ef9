package streamq

import "time"

// Config holds configuration for the queue engine.
type Config struct {
	// Queues is the list of logical queue names this process serves.
	Queues []string

	// Group is the consumer-group name shared by all worker processes.
	Group string

	// Concurrency is the maximum number of messages processed
	// concurrently by the local worker pool.
	Concurrency int

	// BlockTimeout bounds how long a fetch blocks waiting for new
	// entries before returning empty.
	BlockTimeout time.Duration

	// FetchCount is the maximum number of entries requested per fetch.
	FetchCount int64

	// ScheduleInterval is how often the delayed-dispatch sweep scans for
	// entries whose scheduled time has arrived.
	ScheduleInterval time.Duration

	// ReclaimInterval is how often the reclaim sweep runs. It doubles as
	// the idle threshold: an entry delivered but unacknowledged for one
	// interval becomes claimable by another consumer.
	ReclaimInterval time.Duration

	// MaxRetries is the number of redeliveries tolerated before an entry
	// is routed to the dead-letter log. Total attempts including the
	// original delivery is MaxRetries + 1.
	MaxRetries int

	// HandlerTimeout is the per-message execution deadline. A handler
	// that exceeds it is cancelled and the attempt counts as a failure.
	HandlerTimeout time.Duration

	// ShutdownTimeout is the maximum time to wait for in-flight handlers
	// during graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Queues:           []string{"default"},
		Group:            "main-group",
		Concurrency:      10,
		BlockTimeout:     5 * time.Second,
		FetchCount:       10,
		ScheduleInterval: 2 * time.Second,
		ReclaimInterval:  time.Minute,
		MaxRetries:       5,
		HandlerTimeout:   5 * time.Minute,
		ShutdownTimeout:  30 * time.Second,
	}
}
