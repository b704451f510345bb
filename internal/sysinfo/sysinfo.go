// Package sysinfo collects build and runtime information for status output.
package sysinfo

import (
	"net"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

var (
	// Version is the relay version, set at build time via ldflags.
	// Example: go build -ldflags="-X github.com/postalsys/udp-relay/internal/sysinfo.Version=v1.0.0"
	Version = "dev"

	// startTime is when the process started.
	startTime     time.Time
	startTimeOnce sync.Once
)

func init() {
	startTimeOnce.Do(func() {
		startTime = time.Now()
	})
	if Version == "dev" {
		Version = enhanceDevVersion()
	}
}

// Info describes the running process.
type Info struct {
	Version     string    `json:"version"`
	Hostname    string    `json:"hostname"`
	OS          string    `json:"os"`
	Arch        string    `json:"arch"`
	GoVersion   string    `json:"go_version"`
	StartTime   time.Time `json:"start_time"`
	IPAddresses []string  `json:"ip_addresses,omitempty"`
}

// Collect gathers local system information.
func Collect() Info {
	hostname, _ := os.Hostname()

	return Info{
		Version:     Version,
		Hostname:    hostname,
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		GoVersion:   runtime.Version(),
		StartTime:   startTime,
		IPAddresses: GetLocalIPs(),
	}
}

// enhanceDevVersion turns a plain "dev" into dev-<commit>[-dirty] using the
// VCS stamp, or dev-<timestamp> when the binary carries none.
func enhanceDevVersion() string {
	if bi, ok := debug.ReadBuildInfo(); ok {
		var revision string
		var dirty bool
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				revision = s.Value
			case "vcs.modified":
				dirty = s.Value == "true"
			}
		}
		if revision != "" {
			if len(revision) > 7 {
				revision = revision[:7]
			}
			if dirty {
				return "dev-" + revision + "-dirty"
			}
			return "dev-" + revision
		}
	}
	return "dev-" + startTime.UTC().Format("20060102-150405")
}

// GetLocalIPs returns non-loopback IPv4 addresses.
func GetLocalIPs() []string {
	var ips []string

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}

		if ipNet.IP.IsLoopback() {
			continue
		}

		if ipv4 := ipNet.IP.To4(); ipv4 != nil {
			ips = append(ips, ipv4.String())
		}
	}

	// Keep status output readable on hosts with many interfaces
	if len(ips) > 10 {
		ips = ips[:10]
	}

	return ips
}

// StartTime returns the process start time.
func StartTime() time.Time {
	return startTime
}

// Uptime returns the process uptime as a duration.
func Uptime() time.Duration {
	return time.Since(startTime)
}

// UptimeSeconds returns the process uptime in seconds.
func UptimeSeconds() int64 {
	return int64(Uptime().Seconds())
}
