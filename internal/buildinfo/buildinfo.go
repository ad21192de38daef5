// Package buildinfo holds version metadata injected at link time.
package buildinfo

var (
	// Version is the release tag, set with -ldflags "-X .../buildinfo.Version=v1.2.3".
	Version = "dev"
	// Commit is the source revision.
	Commit = "unknown"
	// BuildDate is the build timestamp.
	BuildDate = "unknown"
)
