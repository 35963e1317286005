// Package buildinfo reports the version of the running convlog binary.
package buildinfo

import (
	"encoding/json"
	"net/http"
	"runtime"
	"runtime/debug"
)

// These vars are set at build time via ldflags:
// -X github.com/otherjamesbrown/convlog/pkg/buildinfo.Version=v0.3.0
// -X github.com/otherjamesbrown/convlog/pkg/buildinfo.Commit=b806fe7
// -X github.com/otherjamesbrown/convlog/pkg/buildinfo.BuildTime=2026-02-07T10:30:00Z
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Info holds build information for a convlog component.
type Info struct {
	Component string `json:"component" yaml:"component"`
	Version   string `json:"version" yaml:"version"`
	Commit    string `json:"commit" yaml:"commit"`
	BuildTime string `json:"build_time" yaml:"build_time"`
	GoVersion string `json:"go_version" yaml:"go_version"`
	Platform  string `json:"platform" yaml:"platform"`
}

// Get returns build info for the named component. When the binary was built
// without ldflags the VCS stamp from the Go toolchain fills in the commit.
func Get(component string) Info {
	commit, buildTime := Commit, BuildTime
	if commit == "unknown" {
		commit, buildTime = fromVCS(buildTime)
	}
	return Info{
		Component: component,
		Version:   Version,
		Commit:    commit,
		BuildTime: buildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func fromVCS(buildTime string) (string, string) {
	commit := "unknown"
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return commit, buildTime
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if len(s.Value) > 7 {
				commit = s.Value[:7]
			} else if s.Value != "" {
				commit = s.Value
			}
		case "vcs.time":
			if buildTime == "unknown" && s.Value != "" {
				buildTime = s.Value
			}
		}
	}
	return commit, buildTime
}

// String returns a human-readable one-liner like "v0.3.0 (b806fe7, 2026-02-07T10:30:00Z)"
func String() string {
	return Version + " (" + Commit + ", " + BuildTime + ")"
}

// Handler returns an HTTP handler that responds with build info JSON.
func Handler(component string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info := Get(component)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(info)
	}
}
