// Package utils holds small process-identity helpers used by the
// status server, kept separate from the migration pipeline packages
// since they describe the host running the tool, not the migration.
package utils

import (
	"fmt"
	"net"
	"os"
	"sync"
)

var (
	hostname     string
	hostnameOnce sync.Once
)

// GetHostname returns the cached hostname, including its first
// resolved address when a lookup succeeds.
func GetHostname() string {
	hostnameOnce.Do(func() {
		hostname = findHostname()
	})
	return hostname
}

func findHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	addrs, err := net.LookupHost(hostname)
	if err == nil && len(addrs) > 0 {
		return fmt.Sprintf("%s/%s", hostname, addrs[0])
	}
	return hostname
}
