// Package version carries build identification, overridden at link time.
package version

var (
	Toolname  = "apt-bootstrap"
	Version   = "0.1.0"
	BuildDate = "unknown"
	CommitSHA = "unknown"
)
