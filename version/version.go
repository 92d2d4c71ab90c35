// Package version provides build and version information for subfork.
// VCS metadata is read from runtime/debug.ReadBuildInfo() unless it was set through ldflags.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"github.com/Masterminds/semver"
)

// These variables can be set via ldflags at build time for explicit versioning.
var (
	// Version is the semantic version of the build.
	Version = "0.3.0"
	// GitCommit is the git commit hash.
	GitCommit = ""
	// GitCommitTime is the timestamp of the git commit.
	GitCommitTime = ""
	// GitTreeDirty indicates if the git tree was dirty at build time.
	GitTreeDirty = ""
)

// Info contains the full version information for the build.
type Info struct {
	Version       string
	GitCommit     string
	GitCommitTime string
	GitTreeDirty  bool
	GoVersion     string
}

func init() {
	if info, ok := debug.ReadBuildInfo(); ok {
		applyBuildSettings(info.Settings)
	}
}

// applyBuildSettings fills the VCS variables that were not set through ldflags.
func applyBuildSettings(settings []debug.BuildSetting) {
	for _, kv := range settings {
		var target *string
		switch kv.Key {
		case "vcs.revision":
			target = &GitCommit
		case "vcs.time":
			target = &GitCommitTime
		case "vcs.modified":
			target = &GitTreeDirty
		default:
			continue
		}
		if *target == "" {
			*target = kv.Value
		}
	}
}

// GetInfo returns the complete version information.
func GetInfo() Info {
	return Info{
		Version:       Version,
		GitCommit:     GitCommit,
		GitCommitTime: GitCommitTime,
		GitTreeDirty:  GitTreeDirty == "true",
		GoVersion:     runtime.Version(),
	}
}

// ShortCommit returns the first 7 characters of the git commit hash.
func (i Info) ShortCommit() string {
	if len(i.GitCommit) >= 7 {
		return i.GitCommit[:7]
	}
	return i.GitCommit
}

// commit is the short commit hash, marked when the tree was dirty.
func (i Info) commit() string {
	commit := i.ShortCommit()
	if commit != "" && i.GitTreeDirty {
		commit += "-dirty"
	}
	return commit
}

// Short returns a single-line version string suitable for --version output.
func (i Info) Short() string {
	if commit := i.commit(); commit != "" {
		return i.Version + "+" + commit
	}
	return i.Version
}

// NodeVersion returns the version in the "<semver>-<commit>" form Substrate nodes report through system_version.
// Versions that are not valid semver are returned as they are.
func (i Info) NodeVersion() string {
	v, err := semver.NewVersion(i.Version)
	if err != nil {
		return i.Version
	}
	out := fmt.Sprintf("%d.%d.%d", v.Major(), v.Minor(), v.Patch())
	if commit := i.ShortCommit(); commit != "" {
		out += "-" + commit
	}
	return out
}

// String returns the multi-line output of the version command.
func (i Info) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "subfork version %s\n", i.Version)
	if commit := i.commit(); commit != "" {
		fmt.Fprintf(&sb, "  Commit:       %s\n", commit)
	}
	if i.GitCommitTime != "" {
		built := i.GitCommitTime
		if t, err := time.Parse(time.RFC3339, i.GitCommitTime); err == nil {
			built = t.UTC().Format("2006-01-02 15:04:05 MST")
		}
		fmt.Fprintf(&sb, "  Built:        %s\n", built)
	}
	fmt.Fprintf(&sb, "  Node version: %s\n", i.NodeVersion())
	fmt.Fprintf(&sb, "  Go version:   %s\n", i.GoVersion)
	return sb.String()
}
