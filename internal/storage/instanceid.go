package storage

import (
	"os"
	"strconv"

	"github.com/google/uuid"
)

// GenerateInstanceID returns a lease owner id unique to this process: host, pid
// and a random suffix.
func GenerateInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}

	return host + "-" + strconv.Itoa(os.Getpid()) + "-" + uuid.NewString()[:8]
}
