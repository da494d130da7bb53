//go:build linux

package infra

import (
	"slices"

	"github.com/prometheus/procfs"
)

// cpuHypervisorFlag checks /proc/cpuinfo for the "hypervisor" flag that
// x86 guests expose.
func cpuHypervisorFlag() (bool, error) {
	fs, err := procfs.NewFS(procfs.DefaultMountPoint)
	if err != nil {
		return false, err
	}
	infos, err := fs.CPUInfo()
	if err != nil {
		return false, err
	}
	for _, c := range infos {
		if slices.Contains(c.Flags, "hypervisor") {
			return true, nil
		}
	}
	return false, nil
}
