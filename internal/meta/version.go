package meta

import (
	"fmt"
	"runtime"
	"strings"
)

// Info describes how a relay binary was built.
//
// Everything but the Go version and platform is set at link time, e.g.
//
//	go build -ldflags "-X github.com/luma/relay/internal/meta.Version=1.2.0"
type Info struct {
	Version   string
	Build     string
	Branch    string
	BuildTime string
	Platform  string
	GoVersion string
	GoTag     string
}

// These will be filled in using the linker -X flag
var (
	// Version as an arbitrary string
	Version = "dev"

	// Build is the Git sha from when we are building
	Build string

	// Branch is the Git branch that we are building from
	Branch string

	// BuildTimeUTC is the build time in UTC (year/month/day hour:min:sec)
	BuildTimeUTC string

	// GoTag is the set of Go build tags the binary was built with
	GoTag string

	platform = fmt.Sprintf("%s %s", runtime.GOOS, runtime.GOARCH)
)

// GetInfo returns an Info struct populated with the build information.
func GetInfo() Info {
	return Info{
		GoVersion: runtime.Version(),
		Version:   Version,
		Build:     Build,
		Branch:    Branch,
		BuildTime: BuildTimeUTC,
		GoTag:     GoTag,
		Platform:  platform,
	}
}

// String formats the info as a single line, leaving out anything that wasn't
// set at build time.
func (i Info) String() string {
	parts := []string{"relay " + i.Version}

	if i.Build != "" {
		parts = append(parts, "build "+i.Build)
	}

	if i.Branch != "" {
		parts = append(parts, "branch "+i.Branch)
	}

	if i.BuildTime != "" {
		parts = append(parts, "built "+i.BuildTime)
	}

	if i.GoTag != "" {
		parts = append(parts, "tags "+i.GoTag)
	}

	parts = append(parts, i.GoVersion, i.Platform)

	return strings.Join(parts, ", ")
}
