//go:build !testing
// +build !testing

package build

// Release is a string that helps the program determine the type of release.
const Release = "standard"

// DEBUG is a compile time flag for determining whether extra checks and
// safeguards should run. It is disabled in standard builds.
const DEBUG = false
