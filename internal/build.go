package internal

import "runtime/debug"

var (
	AppName    = "vchannel"
	AppVersion = "devel"
	ModName    = "github.com/opennetcam/vchannel"

	BuildInfo *debug.BuildInfo
)

func init() {
	var ok bool
	if BuildInfo, ok = debug.ReadBuildInfo(); ok && BuildInfo.Main.Path != "" {
		ModName = BuildInfo.Main.Path
	}
}
