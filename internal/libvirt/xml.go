package libvirt

import (
	"fmt"
	"strings"

	"libvirt.org/go/libvirtxml"
)

const (
	// DefaultMemoryKiB is the guest's memory size.
	DefaultMemoryKiB = 1048576
	// DefaultEmulator is the QEMU binary used for guests.
	DefaultEmulator = "/usr/bin/qemu-system-x86_64"

	NetworkAddress   = "192.168.100.1"
	NetworkNetmask   = "255.255.255.0"
	NetworkDHCPStart = "192.168.100.128"
	NetworkDHCPEnd   = "192.168.100.254"
)

// DomainSpec describes a guest.
type DomainSpec struct {
	Name      string
	Image     string
	MemoryKiB uint
	Emulator  string
	// Network attaches one e1000 interface when set.
	Network *DomainNetwork
}

// DomainNetwork is the guest's attachment to a libvirt network.
type DomainNetwork struct {
	Network string
	Bridge  string
	MAC     string
}

// NetworkSpec describes the DUT network.
type NetworkSpec struct {
	Name   string
	Bridge string
	NAT    bool
}

// PoolSpec describes a directory storage pool.
type PoolSpec struct {
	Name string
	Path string
}

func uintPtr(v uint) *uint { return &v }

// GenerateDomainXML renders a transient KVM domain booting spec.Image.
func GenerateDomainXML(spec DomainSpec) (string, error) {
	if spec.Name == "" || spec.Image == "" {
		return "", fmt.Errorf("domain name and image are required")
	}
	memory := spec.MemoryKiB
	if memory == 0 {
		memory = DefaultMemoryKiB
	}
	emulator := spec.Emulator
	if emulator == "" {
		emulator = DefaultEmulator
	}

	domain := &libvirtxml.Domain{
		Type: "kvm",
		Name: spec.Name,
		Memory: &libvirtxml.DomainMemory{
			Value: memory,
			Unit:  "KiB",
		},
		Resource: &libvirtxml.DomainResource{
			Partition: "/machine",
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch:    "x86_64",
				Machine: "pc",
				Type:    "hvm",
			},
			BootDevices: []libvirtxml.DomainBootDevice{
				{Dev: "hd"},
			},
		},
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		Devices: &libvirtxml.DomainDeviceList{
			Emulator: emulator,
			Disks: []libvirtxml.DomainDisk{
				{
					Device: "disk",
					Driver: &libvirtxml.DomainDiskDriver{
						Name: "qemu",
						Type: "raw",
					},
					Source: &libvirtxml.DomainDiskSource{
						File: &libvirtxml.DomainDiskSourceFile{
							File: spec.Image,
						},
					},
					Target: &libvirtxml.DomainDiskTarget{
						Dev: "hda",
						Bus: "ide",
					},
				},
			},
			Serials: []libvirtxml.DomainSerial{
				{
					Source: &libvirtxml.DomainChardevSource{
						Pty: &libvirtxml.DomainChardevSourcePty{},
					},
					Target: &libvirtxml.DomainSerialTarget{
						Port: uintPtr(0),
					},
				},
			},
			Consoles: []libvirtxml.DomainConsole{
				{
					Source: &libvirtxml.DomainChardevSource{
						Pty: &libvirtxml.DomainChardevSourcePty{},
					},
					Target: &libvirtxml.DomainConsoleTarget{
						Type: "serial",
						Port: uintPtr(0),
					},
				},
			},
		},
	}

	if n := spec.Network; n != nil {
		domain.Devices.Interfaces = []libvirtxml.DomainInterface{
			{
				MAC: &libvirtxml.DomainInterfaceMAC{
					Address: n.MAC,
				},
				Source: &libvirtxml.DomainInterfaceSource{
					Network: &libvirtxml.DomainInterfaceSourceNetwork{
						Network: n.Network,
						Bridge:  n.Bridge,
					},
				},
				Model: &libvirtxml.DomainInterfaceModel{
					Type: "e1000",
				},
			},
		}
	}

	xml, err := domain.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal domain XML: %w", err)
	}
	return xml, nil
}

// GenerateNetworkXML renders the DUT network. The network's DNS domain
// carries the same name as the network itself.
func GenerateNetworkXML(spec NetworkSpec) (string, error) {
	if spec.Name == "" {
		return "", fmt.Errorf("network name is required")
	}

	network := &libvirtxml.Network{
		Name: spec.Name,
		Domain: &libvirtxml.NetworkDomain{
			Name: spec.Name,
		},
		IPs: []libvirtxml.NetworkIP{
			{
				Address: NetworkAddress,
				Netmask: NetworkNetmask,
				DHCP: &libvirtxml.NetworkDHCP{
					Ranges: []libvirtxml.NetworkDHCPRange{
						{Start: NetworkDHCPStart, End: NetworkDHCPEnd},
					},
				},
			},
		},
	}
	if spec.Bridge != "" {
		network.Bridge = &libvirtxml.NetworkBridge{Name: spec.Bridge}
	}
	if spec.NAT {
		network.Forward = &libvirtxml.NetworkForward{Mode: "nat"}
	}

	xml, err := network.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal network XML: %w", err)
	}
	return xml, nil
}

// GeneratePoolXML renders a directory pool rooted at spec.Path.
func GeneratePoolXML(spec PoolSpec) (string, error) {
	if spec.Name == "" || spec.Path == "" {
		return "", fmt.Errorf("pool name and path are required")
	}

	pool := &libvirtxml.StoragePool{
		Type: "dir",
		Name: spec.Name,
		Target: &libvirtxml.StoragePoolTarget{
			Path: spec.Path,
		},
	}

	xml, err := pool.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal pool XML: %w", err)
	}

	// Drop the XML declaration; libvirt does not need it.
	xml = strings.TrimPrefix(xml, "<?xml version=\"1.0\" encoding=\"UTF-8\"?>")
	return strings.TrimSpace(xml), nil
}
