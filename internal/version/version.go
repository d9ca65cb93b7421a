// Package version reports build metadata injected at link time.
package version

import (
	"fmt"
	"runtime"
)

// Set via -ldflags at build time:
//
//	go build -ldflags "-X github.com/aspect-build/authgate/internal/version.Version=0.1.0
//	  -X github.com/aspect-build/authgate/internal/version.GitCommit=abc1234"
var (
	Version   = "dev"
	GitCommit = "unknown"
)

// String returns a human-readable version string.
func String(binaryName string) string {
	i := Get(binaryName)
	return fmt.Sprintf("%s %s (commit=%s, go=%s, %s)", i.Binary, i.Version, i.GitCommit, i.GoVersion, i.Platform)
}

// Info is the machine-readable build description.
type Info struct {
	Binary    string `json:"binary"`
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

// Get returns the build description of binaryName.
func Get(binaryName string) Info {
	return Info{
		Binary:    binaryName,
		Version:   Version,
		GitCommit: GitCommit,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}
