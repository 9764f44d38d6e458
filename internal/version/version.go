// Package version carries build metadata set through -ldflags -X.
package version

var (
	// Version is the release tag of the binaries
	Version = "dev"
	// GitSHA is the commit the binaries were built from
	GitSHA = "unknown"
	// BuildTime is when the binaries were built
	BuildTime = "unknown"
)
