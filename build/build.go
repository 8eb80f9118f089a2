// Package build contains build-time information.
package build

import (
	"strconv"
	"time"
)

// these are set at build time with -ldflags "-X ..."
var (
	version   = "2.1.0"
	commit    = "?"
	buildTime = "0"
)

// Commit returns the commit hash of subsd
func Commit() string {
	return commit
}

// Version returns the version of subsd. This is the version the upgrader
// migrates the store to.
func Version() string {
	return version
}

// Time returns the time at which the binary was built.
func Time() time.Time {
	ts, err := strconv.ParseInt(buildTime, 10, 64)
	if err != nil {
		return time.Unix(0, 0)
	}
	return time.Unix(ts, 0)
}
