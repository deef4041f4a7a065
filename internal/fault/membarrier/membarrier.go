//go:build linux

// Package membarrier wraps the membarrier(2) private expedited
// commands.
//
// Registering a new generated-code range only publishes it with a
// store-release; a thread that takes a fault without ever having
// synchronized with the registering thread could in principle still
// observe a stale registry head. Issuing a process-wide membarrier
// after the insert closes that window: it forces a barrier on every
// running thread, so by the time the registering call returns, no
// thread can fault inside the new range and miss it.
package membarrier

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
	"golang.org/x/sys/unix"
)

// minKernel is the first kernel with MEMBARRIER_CMD_PRIVATE_EXPEDITED.
const minKernel = "v4.14"

// Supported reports whether this kernel provides the private expedited
// membarrier commands. It combines the version gate with the runtime
// query, since vendor kernels backport or strip features regardless of
// their version string.
func Supported() bool {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return false
	}
	if !kernelAtLeast(releaseString(&uts), minKernel) {
		return false
	}
	mask, err := unix.Membarrier(unix.MEMBARRIER_CMD_QUERY, 0)
	if err != nil {
		return false
	}
	const need = unix.MEMBARRIER_CMD_PRIVATE_EXPEDITED |
		unix.MEMBARRIER_CMD_REGISTER_PRIVATE_EXPEDITED
	return mask&need == need
}

// Register joins this process to the private expedited domain. The
// kernel rejects Issue from processes that never registered.
func Register() error {
	if _, err := unix.Membarrier(unix.MEMBARRIER_CMD_REGISTER_PRIVATE_EXPEDITED, 0); err != nil {
		return fmt.Errorf("membarrier register private expedited: %w", err)
	}
	return nil
}

// Issue runs a memory barrier on every thread of this process. Callers
// must have called Register first.
func Issue() error {
	if _, err := unix.Membarrier(unix.MEMBARRIER_CMD_PRIVATE_EXPEDITED, 0); err != nil {
		return fmt.Errorf("membarrier private expedited: %w", err)
	}
	return nil
}

// releaseString extracts the NUL-terminated release field of uname.
func releaseString(uts *unix.Utsname) string {
	rel := uts.Release[:]
	for i, b := range rel {
		if b == 0 {
			return string(rel[:i])
		}
	}
	return string(rel)
}

// kernelAtLeast compares a uname release like "6.1.0-13-amd64" against
// a semver floor like "v4.14". Unparseable releases count as too old.
func kernelAtLeast(release, min string) bool {
	end := len(release)
	for i := 0; i < len(release); i++ {
		c := release[i]
		if (c < '0' || c > '9') && c != '.' {
			end = i
			break
		}
	}
	v := "v" + strings.TrimSuffix(release[:end], ".")
	if !semver.IsValid(v) {
		return false
	}
	return semver.Compare(v, min) >= 0
}
