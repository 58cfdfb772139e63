// Package version reports the build identity of the imagine binaries.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/imagine"

// buildVersion is set via -ldflags "-X pkt.systems/imagine/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running build.
type Info struct {
	Module    string    `json:"module"`
	Version   string    `json:"version"`
	Revision  string    `json:"revision,omitempty"`
	Time      time.Time `json:"time,omitzero"`
	Dirty     bool      `json:"dirty,omitempty"`
	GoVersion string    `json:"go_version"`
}

// String renders the one-line form printed by the version command.
func (i Info) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", i.Module, i.Version)
	if i.Dirty && !strings.HasSuffix(i.Version, "+dirty") {
		b.WriteString("+dirty")
	}
	fmt.Fprintf(&b, " (%s)", i.GoVersion)
	return b.String()
}

// Read collects build information for the running binary.
func Read() Info {
	info, _ := debug.ReadBuildInfo()
	return fromBuildInfo(info)
}

// Current returns the version without a dirty suffix.
func Current() string {
	return strings.TrimSuffix(Read().Version, "+dirty")
}

func fromBuildInfo(info *debug.BuildInfo) Info {
	out := Info{Module: defaultModule, Version: "v0.0.0-unknown", GoVersion: runtime.Version()}
	if info != nil {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			out.Module = path
		}
		readVCS(info, &out)
	}
	switch {
	case strings.TrimSpace(buildVersion) != "":
		out.Version = strings.TrimSpace(buildVersion)
	case info != nil && info.Main.Version != "" && info.Main.Version != "(devel)":
		out.Version = info.Main.Version
	case out.Revision != "" && !out.Time.IsZero():
		out.Version = pseudoVersion(out.Time, out.Revision)
	}
	return out
}

func readVCS(info *debug.BuildInfo, out *Info) {
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			out.Revision = setting.Value
		case "vcs.time":
			if parsed, err := time.Parse(time.RFC3339, setting.Value); err == nil {
				out.Time = parsed.UTC()
			}
		case "vcs.modified":
			out.Dirty = setting.Value == "true"
		}
	}
}

func pseudoVersion(ts time.Time, revision string) string {
	rev := revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	return "v0.0.0-" + ts.UTC().Format("20060102150405") + "-" + rev
}
