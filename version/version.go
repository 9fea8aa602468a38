// Package version defines the albert-squad launcher version.
package version

import (
	"fmt"
	"runtime/debug"
	"time"
)

var (
	// GitCommit is the git commit on build.
	GitCommit = ""
	// ReleaseVersion is the release version.
	ReleaseVersion = ""
	// BuildTime is the build timestamp.
	BuildTime = ""
)

func init() {
	if GitCommit == "" {
		GitCommit = vcsRevision()
	}
	now := time.Now()
	if ReleaseVersion == "" {
		ReleaseVersion = fmt.Sprintf(
			"%d%02d%02d%02d%02d",
			now.Year(),
			int(now.Month()),
			now.Day(),
			now.Hour(),
			now.Minute(),
		)
	}
	if BuildTime == "" {
		BuildTime = now.String()
	}
}

func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return ""
}

// String returns the version line printed by --version.
func String() string {
	commit := GitCommit
	if commit == "" {
		commit = "unknown"
	}
	return fmt.Sprintf("albert-squad %s (commit %s, built %s)", ReleaseVersion, commit, BuildTime)
}
