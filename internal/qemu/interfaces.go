package qemu

import (
	"context"

	"github.com/digitalocean/go-libvirt"
)

// hypervisor defines the libvirt operations the virtual worker needs.
//
// In production, this is satisfied by libvirtAdapter.
// In tests, this is satisfied by mock implementations.
type hypervisor interface {
	// DomainCreateXML creates and starts a transient domain
	DomainCreateXML(xml string) (libvirt.Domain, error)

	// DomainDestroy force-stops a domain
	DomainDestroy(dom libvirt.Domain) error

	// NetworkCreateXML creates and starts a transient network
	NetworkCreateXML(xml string) (libvirt.Network, error)

	// NetworkDestroy stops a network
	NetworkDestroy(net libvirt.Network) error

	// StoragePoolCreateXML creates and starts a transient storage pool
	StoragePoolCreateXML(xml string) (libvirt.StoragePool, error)

	// StoragePoolDestroy stops a storage pool
	StoragePoolDestroy(pool libvirt.StoragePool) error

	// Close releases the connection
	Close() error
}

// daemons supervises the hypervisor's background processes.
type daemons interface {
	// Start spawns the processes and waits for their control sockets.
	Start(ctx context.Context) error

	// Kill forcibly stops the processes.
	Kill() error
}

// libvirtAdapter narrows *libvirt.Libvirt to hypervisor.
type libvirtAdapter struct {
	l     *libvirt.Libvirt
	close func() error
}

func (a *libvirtAdapter) DomainCreateXML(xml string) (libvirt.Domain, error) {
	return a.l.DomainCreateXML(xml, 0)
}

func (a *libvirtAdapter) DomainDestroy(dom libvirt.Domain) error {
	return a.l.DomainDestroy(dom)
}

func (a *libvirtAdapter) NetworkCreateXML(xml string) (libvirt.Network, error) {
	return a.l.NetworkCreateXML(xml)
}

func (a *libvirtAdapter) NetworkDestroy(net libvirt.Network) error {
	return a.l.NetworkDestroy(net)
}

func (a *libvirtAdapter) StoragePoolCreateXML(xml string) (libvirt.StoragePool, error) {
	return a.l.StoragePoolCreateXML(xml, 0)
}

func (a *libvirtAdapter) StoragePoolDestroy(pool libvirt.StoragePool) error {
	return a.l.StoragePoolDestroy(pool)
}

func (a *libvirtAdapter) Close() error {
	return a.close()
}
