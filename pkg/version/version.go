package version

// Version represents the current version of the Taskhive client
const Version = "0.4.1"

// BuildVersion returns the version string for display
func BuildVersion() string {
	return "taskhive version " + Version
}
