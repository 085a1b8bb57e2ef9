package streamq

import "errors"

var (
	// Broker errors.
	ErrConnection = errors.New("streamq: broker connection failure")
	ErrProtocol   = errors.New("streamq: malformed broker reply")

	// Dispatch errors.
	ErrNoHandler    = errors.New("streamq: no handler registered for queue")
	ErrUnknownQueue = errors.New("streamq: queue not configured")

	// ErrNotDue marks an entry read before its scheduled time. The entry
	// is left unacknowledged and redelivered by the reclaim sweep.
	ErrNotDue = errors.New("streamq: entry not yet due")

	// ErrPoisonLimitExceeded marks an entry whose delivery count passed
	// the retry budget; it is routed to the dead-letter log.
	ErrPoisonLimitExceeded = errors.New("streamq: delivery count exceeded retry budget")
)
