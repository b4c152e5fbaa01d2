package qemu

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/digitalocean/go-libvirt"
)

var nameRe = regexp.MustCompile(`<name>([^<]+)</name>`)

// xmlName extracts the first <name> element of a libvirt document.
func xmlName(xml string) string {
	m := nameRe.FindStringSubmatch(xml)
	if m == nil {
		return ""
	}
	return m[1]
}

// mockHypervisor is a mock implementation of the hypervisor interface for testing.
type mockHypervisor struct {
	mu sync.Mutex

	// Configurable behavior
	domainCreateXMLFunc      func(xml string) (libvirt.Domain, error)
	domainDestroyFunc        func(dom libvirt.Domain) error
	networkCreateXMLFunc     func(xml string) (libvirt.Network, error)
	networkDestroyFunc       func(net libvirt.Network) error
	storagePoolCreateXMLFunc func(xml string) (libvirt.StoragePool, error)
	storagePoolDestroyFunc   func(pool libvirt.StoragePool) error
	closeFunc                func() error

	// Call tracking
	domainCreateXMLCalls      []string
	domainDestroyCalls        []libvirt.Domain
	networkCreateXMLCalls     []string
	networkDestroyCalls       []libvirt.Network
	storagePoolCreateXMLCalls []string
	storagePoolDestroyCalls   []libvirt.StoragePool
	closeCalls                int

	// order records every call by method name
	order []string
}

// newMockHypervisor creates a mock whose create calls return objects named
// after the document they were given.
func newMockHypervisor() *mockHypervisor {
	return &mockHypervisor{
		domainCreateXMLFunc: func(xml string) (libvirt.Domain, error) {
			return libvirt.Domain{Name: xmlName(xml)}, nil
		},
		domainDestroyFunc: func(dom libvirt.Domain) error { return nil },
		networkCreateXMLFunc: func(xml string) (libvirt.Network, error) {
			return libvirt.Network{Name: xmlName(xml)}, nil
		},
		networkDestroyFunc: func(net libvirt.Network) error { return nil },
		storagePoolCreateXMLFunc: func(xml string) (libvirt.StoragePool, error) {
			return libvirt.StoragePool{Name: xmlName(xml)}, nil
		},
		storagePoolDestroyFunc: func(pool libvirt.StoragePool) error { return nil },
		closeFunc:              func() error { return nil },
	}
}

func (m *mockHypervisor) DomainCreateXML(xml string) (libvirt.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domainCreateXMLCalls = append(m.domainCreateXMLCalls, xml)
	m.order = append(m.order, "DomainCreateXML")
	return m.domainCreateXMLFunc(xml)
}

func (m *mockHypervisor) DomainDestroy(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domainDestroyCalls = append(m.domainDestroyCalls, dom)
	m.order = append(m.order, "DomainDestroy")
	return m.domainDestroyFunc(dom)
}

func (m *mockHypervisor) NetworkCreateXML(xml string) (libvirt.Network, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.networkCreateXMLCalls = append(m.networkCreateXMLCalls, xml)
	m.order = append(m.order, "NetworkCreateXML")
	return m.networkCreateXMLFunc(xml)
}

func (m *mockHypervisor) NetworkDestroy(net libvirt.Network) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.networkDestroyCalls = append(m.networkDestroyCalls, net)
	m.order = append(m.order, "NetworkDestroy")
	return m.networkDestroyFunc(net)
}

func (m *mockHypervisor) StoragePoolCreateXML(xml string) (libvirt.StoragePool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storagePoolCreateXMLCalls = append(m.storagePoolCreateXMLCalls, xml)
	m.order = append(m.order, "StoragePoolCreateXML")
	return m.storagePoolCreateXMLFunc(xml)
}

func (m *mockHypervisor) StoragePoolDestroy(pool libvirt.StoragePool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storagePoolDestroyCalls = append(m.storagePoolDestroyCalls, pool)
	m.order = append(m.order, "StoragePoolDestroy")
	return m.storagePoolDestroyFunc(pool)
}

func (m *mockHypervisor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls++
	m.order = append(m.order, "Close")
	return m.closeFunc()
}

// mockDaemons is a mock implementation of the daemons interface for testing.
type mockDaemons struct {
	startErr   error
	killErr    error
	startCalls int
	killCalls  int
}

func (m *mockDaemons) Start(ctx context.Context) error {
	m.startCalls++
	return m.startErr
}

func (m *mockDaemons) Kill() error {
	m.killCalls++
	return m.killErr
}

// newTestWorker returns a worker wired to mocks with sequential object ids.
func newTestWorker(dir string, hv *mockHypervisor, d *mockDaemons) *Worker {
	w := New(Options{ImageDir: dir})
	w.daemons = d
	w.connect = func(ctx context.Context) (hypervisor, error) { return hv, nil }
	n := 0
	w.newID = func() string {
		n++
		return fmt.Sprintf("leviathan-%08x", n)
	}
	return w
}
