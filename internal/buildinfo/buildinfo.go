// Package buildinfo holds version and build metadata stamped at compile
// time via ldflags:
//
//	go build -ldflags "-X github.com/nugget/conduit/internal/buildinfo.Version=v0.3.0"
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Build is the build and runtime description served by /v1/version and
// printed by "conduit version".
type Build struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	GitBranch string `json:"git_branch"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Uptime    string `json:"uptime"`
}

// Fields returns the description as ordered name/value pairs for text
// output.
func (b Build) Fields() [][2]string {
	return [][2]string{
		{"version", b.Version},
		{"git_commit", b.GitCommit},
		{"git_branch", b.GitBranch},
		{"build_time", b.BuildTime},
		{"go_version", b.GoVersion},
		{"os", b.OS},
		{"arch", b.Arch},
		{"uptime", b.Uptime},
	}
}

// Info describes this binary.
func Info() Build {
	return Build{
		Version:   Version,
		GitCommit: GitCommit,
		GitBranch: GitBranch,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Uptime:    Uptime().String(),
	}
}

// Uptime returns the time since process start, to the second.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent is sent on outbound requests to capability servers, model
// backends, and the retrieval service.
func UserAgent() string {
	return "conduit/" + Version
}

// String returns a one-line summary for logs and the version banner.
func String() string {
	return fmt.Sprintf("Conduit %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}
