//go:build !(linux || freebsd || darwin || windows)

package vulkan

import "github.com/pkg/errors"

func libraryNames() []string { return nil }

func openLibrary(name string) (uintptr, error) {
	return 0, errors.Errorf("vulkan: no loader on this platform for %s", name)
}
