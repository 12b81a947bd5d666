// Package version holds build information set with -ldflags -X.
package version

import "fmt"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String formats the build information for a binary's version command.
func String(binary string) string {
	return fmt.Sprintf("%s %s (commit %s, built %s)", binary, Version, Commit, Date)
}

// UserAgent is the User-Agent header the driver's API clients send.
func UserAgent() string {
	return "bpshell/" + Version
}
