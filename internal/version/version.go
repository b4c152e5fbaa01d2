package version

import (
	"fmt"
	"runtime/debug"

	"github.com/larsks/gobot/tools"
)

var (
	Version string = "dev"
)

// GetVersion returns progName with its version and build details.
func GetVersion(progName string) string {
	vs := fmt.Sprintf("%s version %s", progName, Version)

	if bi, ok := debug.ReadBuildInfo(); ok {
		vs = withBuildInfo(vs, tools.BuildInfoMap(bi))
	}

	return vs
}

func withBuildInfo(vs string, bim map[string]string) string {
	vs = fmt.Sprintf("%s %s/%s", vs, bim["GOOS"], bim["GOARCH"])
	if vcs, ok := bim["vcs"]; ok && vcs == "git" {
		rev := bim["vcs.revision"]
		if len(rev) > 10 {
			rev = rev[:10]
		}
		vs = fmt.Sprintf("%s rev %s on %s", vs, rev, bim["vcs.time"])
	}
	return vs
}
