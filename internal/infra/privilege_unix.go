//go:build !windows

package infra

import "os"

// isElevated reports whether the effective UID is root.
func isElevated() (bool, error) {
	return os.Geteuid() == 0, nil
}
