package version

import (
	"fmt"
	"runtime/debug"
)

// Overridden at link time with -ldflags "-X".
var (
	CLIName    = "defi-agent"
	CLIVersion = "0.1.0"
	Commit     = "unknown"
	BuildDate  = "unknown"
)

func Long() string {
	commit, built := Commit, BuildDate
	if commit == "unknown" || built == "unknown" {
		vcsCommit, vcsTime := vcsInfo()
		if commit == "unknown" && vcsCommit != "" {
			commit = vcsCommit
		}
		if built == "unknown" && vcsTime != "" {
			built = vcsTime
		}
	}
	return fmt.Sprintf("%s %s (commit: %s, built: %s)", CLIName, CLIVersion, commit, built)
}

// UserAgent identifies outbound provider requests.
func UserAgent() string {
	return CLIName + "/" + CLIVersion
}

func vcsInfo() (string, string) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "", ""
	}
	var commit, at string
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			commit = s.Value
			if len(commit) > 12 {
				commit = commit[:12]
			}
		case "vcs.time":
			at = s.Value
		}
	}
	return commit, at
}
