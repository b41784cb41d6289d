// Package buildinfo holds version and build metadata stamped at compile time via ldflags.
package buildinfo

import (
	"fmt"
	"log/slog"
	"runtime"
)

// These variables are set at build time via -ldflags, e.g.
//
//	-X github.com/copp1723/lane-google-sub001/internal/buildinfo.Version=v1.2.0
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

// Build describes the running binary.
type Build struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	GitBranch string `json:"git_branch"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// Current returns the stamped build info plus the runtime platform.
func Current() Build {
	return Build{
		Version:   Version,
		GitCommit: GitCommit,
		GitBranch: GitBranch,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// LogValue implements slog.LogValuer.
func (b Build) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("version", b.Version),
		slog.String("commit", b.GitCommit),
		slog.String("go", b.GoVersion),
	)
}

// String returns a one-line summary.
func (b Build) String() string {
	return fmt.Sprintf("lane %s (%s@%s) built %s", b.Version, b.GitCommit, b.GitBranch, b.BuildTime)
}

// UserAgent returns the User-Agent header value sent on outbound requests.
func UserAgent() string {
	return fmt.Sprintf("lane/%s (%s; %s/%s)", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
