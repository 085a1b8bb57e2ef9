package streamq

// QueueDescriptor maps a logical queue name to its broker keys. It is
// immutable and derived purely from static configuration.
type QueueDescriptor struct {
	Name  string
	Group string
}

// NewQueue creates a descriptor for the given queue and group names.
func NewQueue(name, group string) QueueDescriptor {
	return QueueDescriptor{Name: name, Group: group}
}

// StreamKey is the broker log key backing the queue.
func (q QueueDescriptor) StreamKey() string {
	return q.Name + ":stream"
}

// DeadLetterKey is the broker log key for entries that exhausted the
// retry budget.
func (q QueueDescriptor) DeadLetterKey() string {
	return q.Name + ":dead-letter"
}
