package mailer

import (
	"fmt"
	"io"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

// Build information, injected with -ldflags "-X github.com/lattiq/mailgate.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// VersionInfo contains detailed version information.
type VersionInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	Module    string `json:"module,omitempty"`
}

// GetVersionInfo returns version information, falling back to the VCS
// stamp of the binary when no ldflags were given.
func GetVersionInfo() *VersionInfo {
	info := &VersionInfo{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}

	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}

	if buildInfo.Main.Path != "" {
		info.Module = buildInfo.Main.Path + "@" + buildInfo.Main.Version
	}

	for _, setting := range buildInfo.Settings {
		switch setting.Key {
		case "vcs.revision":
			if info.GitCommit == "unknown" {
				info.GitCommit = setting.Value
				if len(info.GitCommit) > 12 {
					info.GitCommit = info.GitCommit[:12]
				}
			}
		case "vcs.time":
			if info.BuildDate == "unknown" {
				if t, err := time.Parse(time.RFC3339, setting.Value); err == nil {
					info.BuildDate = t.UTC().Format(time.RFC3339)
				}
			}
		case "vcs.modified":
			if setting.Value == "true" && !strings.HasSuffix(info.GitCommit, "-dirty") {
				info.GitCommit += "-dirty"
			}
		}
	}

	return info
}

// String returns a human-readable version string.
func (v *VersionInfo) String() string {
	parts := []string{"Version: " + v.Version}

	if v.GitCommit != "unknown" && v.GitCommit != "" {
		parts = append(parts, "Commit: "+v.GitCommit)
	}
	if v.BuildDate != "unknown" && v.BuildDate != "" {
		parts = append(parts, "Built: "+v.BuildDate)
	}
	parts = append(parts, "Go: "+v.GoVersion, "Platform: "+v.Platform)

	return strings.Join(parts, ", ")
}

// UserAgent returns a user agent string for outbound HTTP requests.
func (v *VersionInfo) UserAgent() string {
	return fmt.Sprintf("mailgate/%s (%s)", v.Version, v.Platform)
}

// IsDevBuild returns true if this is a development build.
func (v *VersionInfo) IsDevBuild() bool {
	return strings.Contains(v.Version, "dev") ||
		strings.HasSuffix(v.GitCommit, "-dirty") ||
		v.GitCommit == "unknown"
}

// PrintVersion writes version information to w.
func PrintVersion(w io.Writer) {
	info := GetVersionInfo()
	fmt.Fprintln(w, "mailgate")
	fmt.Fprintln(w, info.String())
	if info.Module != "" {
		fmt.Fprintf(w, "Module: %s\n", info.Module)
	}
}
