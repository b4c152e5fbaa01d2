// Package naming provides the naming conventions for the hypervisor objects
// and host interfaces the worker creates.
//
// Every libvirt object gets a fresh identifier so names never collide
// across repeated setup/teardown cycles, and derived names (such as the
// network's bridge) embed the same identifier.
package naming

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	// ObjectPrefix starts every object name.
	ObjectPrefix = "leviathan-"

	// GuestMAC is the MAC address of the guest's only interface.
	GuestMAC = "52:54:00:f5:ae:e9"

	// ImageName is the backing image file of the virtual DUT.
	ImageName = "qemu.img"

	// maxInterfaceName is IFNAMSIZ - 1.
	maxInterfaceName = 15
)

// NewObjectID returns a fresh object name.
// Format: leviathan-{8 hex digits}
//
// Example: leviathan-9f86d081
func NewObjectID() string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return ObjectPrefix + id[:8]
}

// ShortID returns the identifier part of an object name.
func ShortID(name string) string {
	return strings.TrimPrefix(name, ObjectPrefix)
}

// BridgeName returns the bridge interface name for a network object.
// Format: lvbr{short id} (12 chars, within the Linux 15-char limit)
//
// Example: leviathan-9f86d081 → lvbr9f86d081
func BridgeName(network string) string {
	name := "lvbr" + ShortID(network)
	if len(name) > maxInterfaceName {
		name = name[:maxInterfaceName]
	}
	return name
}

// ImagePath returns the backing image path inside dir.
func ImagePath(dir string) string {
	return filepath.Join(dir, ImageName)
}

// ValidateInterfaceName checks that name is usable as a Linux interface name.
func ValidateInterfaceName(name string) error {
	if name == "" {
		return fmt.Errorf("interface name is empty")
	}
	if len(name) > maxInterfaceName {
		return fmt.Errorf("interface name %q exceeds %d characters", name, maxInterfaceName)
	}
	if strings.ContainsAny(name, "/: \t\n") || name == "." || name == ".." {
		return fmt.Errorf("interface name %q contains invalid characters", name)
	}
	return nil
}
