// Package sysinfo describes the running process for status reports.
package sysinfo

import (
	"net"
	"os"
	"runtime"
	"runtime/debug"
	"time"
)

var (
	// Version is the server version, set at build time via ldflags.
	// Example: go build -ldflags="-X github.com/postalsys/rakgate/internal/sysinfo.Version=1.0.0"
	Version = "dev"

	startTime = time.Now()
)

func init() {
	if Version == "dev" {
		Version = enhanceDevVersion()
	}
}

// enhanceDevVersion tags development builds with the VCS revision recorded
// by the toolchain, or the build time when there is none.
func enhanceDevVersion() string {
	var revision string
	var dirty bool
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				revision = s.Value
			case "vcs.modified":
				dirty = s.Value == "true"
			}
		}
	}

	if revision == "" {
		return "dev-" + startTime.UTC().Format("20060102-150405")
	}
	if len(revision) > 7 {
		revision = revision[:7]
	}
	if dirty {
		revision += "-dirty"
	}
	return "dev-" + revision
}

// Info is a snapshot of the host and process.
type Info struct {
	Version     string    `json:"version"`
	GoVersion   string    `json:"go_version"`
	Hostname    string    `json:"hostname"`
	OS          string    `json:"os"`
	Arch        string    `json:"arch"`
	CPUs        int       `json:"cpus"`
	Goroutines  int       `json:"goroutines"`
	StartTime   time.Time `json:"start_time"`
	IPAddresses []string  `json:"ip_addresses,omitempty"`
}

// Collect gathers local system information.
func Collect() Info {
	hostname, _ := os.Hostname()

	return Info{
		Version:     Version,
		GoVersion:   runtime.Version(),
		Hostname:    hostname,
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		CPUs:        runtime.NumCPU(),
		Goroutines:  runtime.NumGoroutine(),
		StartTime:   startTime,
		IPAddresses: GetLocalIPs(),
	}
}

// GetLocalIPs returns non-loopback IPv4 addresses players could reach.
func GetLocalIPs() []string {
	var ips []string

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ipv4 := ipNet.IP.To4(); ipv4 != nil {
			ips = append(ips, ipv4.String())
		}
	}

	if len(ips) > 10 {
		ips = ips[:10]
	}
	return ips
}

// StartTime returns when the process started.
func StartTime() time.Time {
	return startTime
}

// Uptime returns the process uptime.
func Uptime() time.Duration {
	return time.Since(startTime)
}
