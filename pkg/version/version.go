package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Set at build time:
//
//	-ldflags "-X github.com/Polly2014/CopilotX/pkg/version.Version=v0.3.0 -X github.com/Polly2014/CopilotX/pkg/version.Commit=<sha>"
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	Date      string `json:"date,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
}

func Current() Info {
	info := Info{
		Version:   strings.TrimSpace(Version),
		Commit:    strings.TrimSpace(Commit),
		Date:      strings.TrimSpace(Date),
		GoVersion: runtime.Version(),
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if info.Date == "" {
				info.Date = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
	return info
}

// String renders version+shortsha[+dirty].
func String() string {
	v := Current()
	out := v.Version
	if v.Commit != "" {
		sha := v.Commit
		if len(sha) > 7 {
			sha = sha[:7]
		}
		out += "+" + sha
	}
	if v.Modified {
		out += "+dirty"
	}
	return out
}

func Detailed() string {
	v := Current()
	out := fmt.Sprintf("copilotx %s (%s %s/%s)", String(), v.GoVersion, runtime.GOOS, runtime.GOARCH)
	if v.Date != "" {
		out += "\nbuilt " + v.Date
	}
	return out
}
