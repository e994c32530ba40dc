//go:build windows

package vulkan

import "golang.org/x/sys/windows"

func libraryNames() []string {
	return []string{"vulkan-1.dll"}
}

func openLibrary(name string) (uintptr, error) {
	h, err := windows.LoadLibrary(name)
	return uintptr(h), err
}
