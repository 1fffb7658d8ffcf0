// Package version provides version information for the LiteClaw platform.
package version

// These variables are set at build time via ldflags.
var (
	// Version is the semantic version of the platform. It is also reported to the gateway
	// during the connect handshake.
	Version = "0.3.0"

	// Commit is the git commit hash.
	Commit = "unknown"

	// BuildDate is the build timestamp.
	BuildDate = "unknown"
)
