// Package version holds build metadata, set at link time with
// -ldflags "-X github.com/banshee-data/ephys.loop/internal/version.Version=...".
package version

var (
	// Version is the release tag.
	Version = "dev"
	// GitSHA is the commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is when the binary was built, RFC 3339.
	BuildTime = "unknown"
)
