package utils

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
)

var processID = sync.OnceValue(func() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
})

// ProcessID returns a value unique to this process, stable for its
// lifetime: hostname, pid and a short random suffix. Used as the owner
// identity threaded through every semaphore and heartbeat row this process
// touches.
func ProcessID() string {
	return processID()
}
