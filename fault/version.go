//go:build linux && (amd64 || arm64)

package fault

// Version information for the fault interception layer.
const (
	// Version is the current version string.
	Version = "0.1.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 1

	// VersionPatch is the patch version number.
	VersionPatch = 0
)

// Info describes the running fault layer.
type Info struct {
	// Version is the layer version string.
	Version string

	// Installed reports whether Init has claimed the signal slots.
	Installed bool

	// Degraded reports whether the layer runs without the membarrier
	// cross-thread visibility guarantee.
	Degraded bool
}

// GetInfo returns runtime information about the fault layer.
func GetInfo() Info {
	m := current()
	info := Info{Version: Version}
	if m != nil {
		info.Installed = true
		info.Degraded = m.Degraded()
	}
	return info
}
