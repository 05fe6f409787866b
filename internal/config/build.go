package config

import "fmt"

// Set with -ldflags at release time:
//
//	go build -ldflags "-X pagehook/internal/config.version=1.4.0 \
//	    -X pagehook/internal/config.commit=$(git rev-parse --short HEAD)"
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// NewBuildInfo reads the linker-injected build variables.
func NewBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
	}
}

// UserAgent is the User-Agent value outbound HTTP clients identify with.
func (b BuildInfo) UserAgent(service string) string {
	return fmt.Sprintf("%s/%s (%s)", service, b.Version, b.Commit)
}
