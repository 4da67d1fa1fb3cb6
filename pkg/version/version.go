// Package version holds build-time version info injected via ldflags.
//
// Set at compile time:
//
//	go build -ldflags "-X github.com/NicolasHaas/relaychat/pkg/version.tag=v1.0.0
//	  -X github.com/NicolasHaas/relaychat/pkg/version.commit=abc1234
//	  -X github.com/NicolasHaas/relaychat/pkg/version.date=2026-01-01"
//
// Without ldflags the commit and date come from the VCS stamp that the go
// command embeds in the binary, when there is one.
package version

import (
	"runtime/debug"
	"sync"
)

// Populated by -ldflags "-X ...".
var (
	tag    = ""
	commit = ""
	date   = ""
)

var loadOnce sync.Once

func load() {
	loadOnce.Do(func() {
		if commit != "" && date != "" {
			return
		}
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" && len(s.Value) >= 7 {
					commit = s.Value[:7]
				}
			case "vcs.time":
				if date == "" {
					date = s.Value
				}
			}
		}
	})
}

// String returns a short version: the tag, else the commit, else "dev".
func String() string {
	load()
	switch {
	case tag != "":
		return tag
	case commit != "":
		return commit
	}
	return "dev"
}

// Full returns "tag (commit) built date" or a sensible fallback.
func Full() string {
	load()
	built := ""
	if date != "" {
		built = " built " + date
	}
	switch {
	case tag != "" && commit != "":
		return tag + " (" + commit + ")" + built
	case tag != "":
		return tag + built
	case commit != "":
		return commit + built
	}
	return "dev"
}
