package version

import (
	"fmt"

	goversion "github.com/hashicorp/go-version"
)

// will be replaced with the release version when using goreleaser
var version = "development"

const userAgent = "kanaime-updater/%s"

// KanaimeVersion returns the installed application version
func KanaimeVersion() string {
	return version
}

// UserAgent is sent with every request to the update servers
func UserAgent() string {
	return fmt.Sprintf(userAgent, version)
}

// Current parses the installed version. Development builds report 0.0.0 so any release
// is considered newer.
func Current() *goversion.Version {
	v, err := goversion.NewVersion(version)
	if err != nil {
		v, _ = goversion.NewVersion("0.0.0")
	}
	return v
}
