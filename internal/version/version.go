// Package version exposes the build version.
package version

// version is overridable at build time via -ldflags "-X ...version.version=".
var version = "0.1.0"

// Get returns the current version.
func Get() string {
	return version
}
