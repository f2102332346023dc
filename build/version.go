package build

import "fmt"

const (
	// AppMajor defines the major version of this binary.
	AppMajor uint = 0

	// AppMinor defines the minor version of this binary.
	AppMinor uint = 3

	// AppPatch defines the application patch for this binary.
	AppPatch uint = 0

	// AppPreRelease MUST only contain characters from semanticAlphabet per
	// the semantic versioning spec.
	AppPreRelease = "beta"
)

// Commit is set at link time via -ldflags.
var Commit string

// Version returns the application version as a properly formed string per
// the semantic versioning 2.0.0 spec (http://semver.org/).
func Version() string {
	version := fmt.Sprintf("%d.%d.%d", AppMajor, AppMinor, AppPatch)
	if AppPreRelease != "" {
		version = fmt.Sprintf("%s-%s", version, AppPreRelease)
	}

	return version
}

// UserAgent returns the identifier advertised by the relay server.
func UserAgent(name string) string {
	ua := fmt.Sprintf("%s/%s", name, Version())
	if Commit != "" {
		ua = fmt.Sprintf("%s commit=%s", ua, Commit)
	}

	return ua
}
