// Package version carries the build identity of the monitor binaries. The
// variables are overridden at build time through -ldflags.
package version

import "fmt"

var (
	// Version is the monitor release version.
	Version = "dev"
	// GitSHA is the git commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// Info returns the one-line version banner printed by --version.
func Info() string {
	return fmt.Sprintf("om %s (%s, built %s)", Version, GitSHA, BuildTime)
}
