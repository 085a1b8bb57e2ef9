package streamq

import (
	"fmt"
	"os"
)

// ConsumerIdentity names a consumer process to the broker. It is stable
// for the lifetime of the process; no two live consumers of the same
// group may share an identity, which host + pid guarantees on a given
// deployment.
type ConsumerIdentity struct {
	Host string
	PID  int
}

// LocalIdentity derives the identity of the current process.
func LocalIdentity() ConsumerIdentity {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return ConsumerIdentity{Host: hostname, PID: os.Getpid()}
}

// String returns the broker-visible owner name.
func (c ConsumerIdentity) String() string {
	return fmt.Sprintf("%s-%d", c.Host, c.PID)
}
