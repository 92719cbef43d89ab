// Package sysinfo reports build and process information for the version
// command and the health endpoint.
package sysinfo

import (
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

var (
	// Version is the engine version, set at build time via ldflags.
	// Example: go build -ldflags="-X github.com/postalsys/udpengine/internal/sysinfo.Version=v1.0.0"
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

// enhanceDevVersion derives a version for untagged builds from the VCS
// stamp: dev-<commit>, dev-<commit>-dirty, or dev-<start time> when the
// binary carries no VCS information.
func enhanceDevVersion() string {
	var revision string
	var modified bool
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				revision = s.Value
			case "vcs.modified":
				modified = s.Value == "true"
			}
		}
	}
	if revision == "" {
		return "dev-" + startTime.UTC().Format("20060102-150405")
	}
	if len(revision) > 7 {
		revision = revision[:7]
	}
	if modified {
		return "dev-" + revision + "-dirty"
	}
	return "dev-" + revision
}

// Info describes the running binary.
type Info struct {
	Version   string    `json:"version"`
	GoVersion string    `json:"go_version"`
	OS        string    `json:"os"`
	Arch      string    `json:"arch"`
	Hostname  string    `json:"hostname"`
	StartTime time.Time `json:"start_time"`
}

// Collect gathers build and host information.
func Collect() Info {
	hostname, _ := os.Hostname()

	return Info{
		Version:   Version,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Hostname:  hostname,
		StartTime: startTime,
	}
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
