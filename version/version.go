package version

import (
	"bytes"
	"fmt"
)

var (
	// GitCommit is the git commit that was compiled, filled in by the
	// build.
	GitCommit string

	// Version is the main version number that is being run at the moment.
	Version = "0.1.0"

	// VersionPrerelease is a pre-release marker. An empty string means a
	// final release; otherwise "dev", "beta", "rc1" and so on.
	VersionPrerelease = "dev"
)

// VersionInfo holds the pieces of a human-readable version string.
type VersionInfo struct {
	Revision          string
	Version           string
	VersionPrerelease string
}

// GetVersion returns the build's version info.
func GetVersion() *VersionInfo {
	return &VersionInfo{
		Revision:          GitCommit,
		Version:           Version,
		VersionPrerelease: VersionPrerelease,
	}
}

// VersionNumber is the bare semantic version, pre-release included.
func (v *VersionInfo) VersionNumber() string {
	version := v.Version
	if v.VersionPrerelease != "" {
		version = fmt.Sprintf("%s-%s", version, v.VersionPrerelease)
	}
	return version
}

// FullVersionNumber returns the version string shown by the version
// command.
func (v *VersionInfo) FullVersionNumber(rev bool) string {
	var versionString bytes.Buffer

	fmt.Fprintf(&versionString, "Duelyard v%s", v.Version)
	if v.VersionPrerelease != "" {
		fmt.Fprintf(&versionString, "-%s", v.VersionPrerelease)
	}
	if rev && v.Revision != "" {
		fmt.Fprintf(&versionString, " (%s)", v.Revision)
	}
	return versionString.String()
}
