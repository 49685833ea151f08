// Package version reports the build identity of the quorum binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Set at build time with -ldflags "-X github.com/MEKXH/quorum/internal/version.Version=...".
var (
	Version   = "dev"
	Commit    = ""
	BuildDate = ""
)

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		Version = info.Main.Version
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if Commit == "" {
				Commit = shortRevision(s.Value)
			}
		case "vcs.time":
			if BuildDate == "" {
				BuildDate = s.Value
			}
		}
	}
}

// String renders "quorum <version> [<commit>] <os>/<arch>".
func String() string {
	s := "quorum " + Version
	if Commit != "" {
		s += " (" + Commit + ")"
	}
	return fmt.Sprintf("%s %s/%s", s, runtime.GOOS, runtime.GOARCH)
}

// Info is the machine-readable build identity served by the gateway.
func Info() map[string]string {
	info := map[string]string{
		"version": Version,
		"go":      runtime.Version(),
	}
	if Commit != "" {
		info["commit"] = Commit
	}
	if BuildDate != "" {
		info["build_date"] = BuildDate
	}
	return info
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
