// Package version exposes build information.
//
// Version, Commit and Date are set at link time:
//
//	go build -ldflags "-X github.com/jmylchreest/jtstream/internal/version.Version=x.y.z \
//	                   -X github.com/jmylchreest/jtstream/internal/version.Commit=$(git rev-parse HEAD) \
//	                   -X github.com/jmylchreest/jtstream/internal/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
//
// Without ldflags, Commit and Date fall back to the VCS stamp embedded by
// the Go toolchain.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// ApplicationName is the canonical name of the program.
const ApplicationName = "jtstream"

var (
	// Version is a SemVer string, or "dev".
	Version = "dev"
	// Commit is the full git commit SHA.
	Commit = "unknown"
	// Date is the build time in RFC3339.
	Date = "unknown"
)

// Info is the structured build information.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetInfo returns the build information.
func GetInfo() Info {
	info := Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		applyBuildSettings(&info, bi.Settings)
	}
	return info
}

func applyBuildSettings(info *Info, settings []debug.BuildSetting) {
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "unknown" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if info.Date == "unknown" {
				info.Date = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
}

func shortCommit(c string) string {
	if len(c) >= 8 && c != "unknown" {
		return c[:8]
	}
	return ""
}

// String returns a one line description for logs and `jtstream version`.
func String() string {
	info := GetInfo()
	if sc := shortCommit(info.Commit); sc != "" {
		return fmt.Sprintf("%s version %s (commit: %s, built: %s, %s, %s)",
			ApplicationName, info.Version, sc, info.Date, info.GoVersion, info.Platform)
	}
	return fmt.Sprintf("%s version %s (%s, %s)", ApplicationName, info.Version, info.GoVersion, info.Platform)
}

// Short returns the version for the CLI --version flag.
func Short() string {
	if sc := shortCommit(GetInfo().Commit); sc != "" {
		return fmt.Sprintf("%s (%s)", Version, sc)
	}
	return Version
}

// IsSnapshot reports whether this is a development or snapshot build.
func IsSnapshot() bool {
	return Version == "dev" || strings.Contains(Version, "-SNAPSHOT")
}
