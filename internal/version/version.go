//nolint:gochecknoglobals // version info set via ldflags
package version

import "fmt"

// These variables are intended to be set via -ldflags at build time.
// Example:
//
//	-X github.com/bavix/devpair/internal/version.Version=v0.4.0 \
//	-X github.com/bavix/devpair/internal/version.Commit=1a2b3c4 \
//	-X github.com/bavix/devpair/internal/version.BuildTime=2026-10-01T12:00:00Z
var (
	Version   = "dev"
	Commit    = ""
	BuildTime = ""
)

func GetVersion() string { return Version }

func GetBuildTime() string { return BuildTime }

// String renders the version line printed by --version.
func String() string {
	switch {
	case Commit != "" && BuildTime != "":
		return fmt.Sprintf("%s (%s, built %s)", Version, Commit, BuildTime)
	case Commit != "":
		return fmt.Sprintf("%s (%s)", Version, Commit)
	default:
		return Version
	}
}
