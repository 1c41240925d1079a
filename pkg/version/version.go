package version

import (
	"fmt"
	"runtime"
)

// Version represents the current version of silkdbg.
type Version struct {
	Major    string
	Minor    string
	Patch    string
	Metadata string
	Build    string
}

// SilkdbgVersion is the current version of silkdbg.
var SilkdbgVersion = Version{
	Major: "0", Minor: "4", Patch: "1", Metadata: "",
	Build: "$Id$",
}

func (v Version) String() string {
	ver := fmt.Sprintf("Version: %s.%s.%s", v.Major, v.Minor, v.Patch)
	if v.Metadata != "" {
		ver += "-" + v.Metadata
	}
	return fmt.Sprintf("%s\nBuild: %s", ver, v.Build)
}

// BuildInfo returns the Go version silkdbg was built with.
func BuildInfo() string {
	return runtime.Version()
}
