package version

// will be replaced with the release version when using goreleaser
var version = "development"

// ClientVersion returns the UpdateNode client version
func ClientVersion() string {
	return version
}
