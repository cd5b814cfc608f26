// Package version holds the 3-byte protocol version triple TDTP reports
// over the status sub-protocol's VER field.
package version

import "fmt"

// Version is the [major, minor, patch] triple carried by STAT_VER.
type Version struct {
	Major, Minor, Patch byte
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Bytes returns the 3-byte wire encoding of v.
func (v Version) Bytes() [3]byte {
	return [3]byte{v.Major, v.Minor, v.Patch}
}

// Current is the protocol version this implementation reports. It is a
// build-time constant in the source implementations this package was
// modelled on; without equivalent build tooling here it is simply
// hardcoded at release, as spec.md §9 allows.
var Current = Version{Major: 1, Minor: 0, Patch: 0}
