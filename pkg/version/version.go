package version

import "runtime"

// Build holds the build identifier, injected via -ldflags. Default "dev".
var Build = "dev"

// String is the build identifier plus the Go toolchain that produced it.
func String() string {
	return Build + " (" + runtime.Version() + ")"
}
