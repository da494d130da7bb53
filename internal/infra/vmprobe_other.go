//go:build !linux

package infra

import "errors"

func cpuHypervisorFlag() (bool, error) {
	return false, errors.New("cpu flags not available on this platform")
}
