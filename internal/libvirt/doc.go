// Package libvirt connects to the local libvirt daemon and renders the
// configuration documents the virtual worker creates objects from.
//
// The package wraps github.com/digitalocean/go-libvirt for connection
// management (connect, retrying connect, disconnect, ping) and uses
// libvirt.org/go/libvirtxml for the documents:
//
//	GenerateDomainXML(DomainSpec)   transient KVM guest booting a raw image
//	GenerateNetworkXML(NetworkSpec) private 192.168.100.0/24 network with DHCP
//	GeneratePoolXML(PoolSpec)       directory pool around the image file
//
// The generators are pure functions of their spec structs. Optional blocks,
// such as the guest's network interface, are present exactly when the
// corresponding spec field is set.
//
// Consumer-Side Interfaces:
//
// This package does not define interfaces. Consumers (internal/qemu) define
// the narrow set of hypervisor operations they need and adapt
// *libvirt.Libvirt to it.
package libvirt
