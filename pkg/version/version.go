// Package version derives the server's version string from build
// metadata. An -ldflags override wins, then VCS info stamped by the Go
// toolchain, then a "dev" fallback for test and non-git builds.
package version

import "runtime/debug"

// AppName is the application name used in version strings and startup logs.
const AppName = "relay"

// commitOverride is set via -ldflags for container builds where the
// .git directory is not part of the build context.
var commitOverride string

// GitCommit is the short commit hash, with a "+dirty" suffix when the
// working tree had local modifications at build time.
var GitCommit = resolveCommit()

func resolveCommit() string {
	if commitOverride != "" {
		return shorten(commitOverride)
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	settings := make(map[string]string, len(info.Settings))
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}

	rev := settings["vcs.revision"]
	if rev == "" {
		return "dev"
	}
	if settings["vcs.modified"] == "true" {
		return shorten(rev) + "+dirty"
	}
	return shorten(rev)
}

func shorten(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "relay/<commit>" for startup logging.
func Full() string {
	return AppName + "/" + GitCommit
}
