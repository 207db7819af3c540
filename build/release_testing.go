//go:build testing
// +build testing

package build

// Release is a string that helps the program determine the type of release.
const Release = "testing"

// DEBUG is a compile time flag for determining whether extra checks and
// safeguards should run. It is enabled for testing builds so invariant
// violations panic instead of silently corrupting state.
const DEBUG = true
