package qemu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	golibvirt "github.com/digitalocean/go-libvirt"
	"github.com/sirupsen/logrus"

	"github.com/balena-io/leviathan-worker/internal/imaging"
	"github.com/balena-io/leviathan-worker/internal/libvirt"
	"github.com/balena-io/leviathan-worker/internal/naming"
	"github.com/balena-io/leviathan-worker/internal/worker"
)

// Options configures a Worker.
type Options struct {
	// ImageDir holds the guest's disk image. Empty means os.TempDir().
	ImageDir string
	// Socket is the libvirtd control socket. Empty means libvirt.DefaultSocket.
	Socket string
	Logger logrus.FieldLogger
}

// Worker is the virtual worker.
type Worker struct {
	image  string
	socket string
	log    logrus.FieldLogger

	daemons daemons
	connect func(ctx context.Context) (hypervisor, error)
	newID   func() string

	hv        hypervisor
	pool      *golibvirt.StoragePool
	network   *golibvirt.Network
	domain    *golibvirt.Domain
	lifecycle worker.Lifecycle
}

var _ worker.Worker = (*Worker)(nil)

// New creates a virtual worker. Nothing is started until Setup.
func New(opts Options) *Worker {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "qemu")

	dir := opts.ImageDir
	if dir == "" {
		dir = os.TempDir()
	}
	socket := opts.Socket
	if socket == "" {
		socket = libvirt.DefaultSocket
	}

	w := &Worker{
		image:   naming.ImagePath(dir),
		socket:  socket,
		log:     log,
		daemons: newProcessDaemons(log),
		newID:   naming.NewObjectID,
	}
	w.connect = w.dial
	return w
}

func (w *Worker) dial(ctx context.Context) (hypervisor, error) {
	c, err := libvirt.ConnectWithRetry(ctx, w.socket, libvirt.RetryOptions{Logger: w.log})
	if err != nil {
		return nil, err
	}
	return &libvirtAdapter{l: c.Libvirt(), close: c.Close}, nil
}

// Image returns the path of the guest's disk image.
func (w *Worker) Image() string {
	return w.image
}

// Setup starts the hypervisor and creates the storage pool holding the image.
func (w *Worker) Setup(ctx context.Context) error {
	if err := w.daemons.Start(ctx); err != nil {
		return worker.ConnectFailure("failed to start hypervisor", err)
	}

	hv, err := w.connect(ctx)
	if err != nil {
		return worker.ConnectFailure("failed to connect to hypervisor", err)
	}
	w.hv = hv

	xml, err := libvirt.GeneratePoolXML(libvirt.PoolSpec{
		Name: w.newID(),
		Path: filepath.Dir(w.image),
	})
	if err != nil {
		return err
	}
	pool, err := w.hv.StoragePoolCreateXML(xml)
	if err != nil {
		return worker.HardwareFault("failed to create storage pool", err)
	}
	w.pool = &pool
	w.log.WithField("pool", pool.Name).Info("storage pool created")

	return w.lifecycle.TransitionToReady()
}

// PowerOn boots a new guest from the image. A guest that is still running
// is destroyed first so that only one domain ever uses the image.
func (w *Worker) PowerOn(ctx context.Context) error {
	if err := w.lifecycle.RequireOperational(); err != nil {
		return err
	}
	if err := w.destroyDomain(); err != nil {
		return err
	}

	spec := libvirt.DomainSpec{
		Name:  w.newID(),
		Image: w.image,
	}
	if w.network != nil {
		spec.Network = &libvirt.DomainNetwork{
			Network: w.network.Name,
			Bridge:  naming.BridgeName(w.network.Name),
			MAC:     naming.GuestMAC,
		}
	}

	xml, err := libvirt.GenerateDomainXML(spec)
	if err != nil {
		return err
	}
	dom, err := w.hv.DomainCreateXML(xml)
	if err != nil {
		return worker.HardwareFault("failed to start guest", err)
	}
	w.domain = &dom
	w.log.WithField("domain", dom.Name).Info("guest started")

	return w.lifecycle.TransitionToPoweredOn()
}

// PowerOff destroys the running guest, if any.
func (w *Worker) PowerOff(ctx context.Context) error {
	if err := w.lifecycle.RequireOperational(); err != nil {
		return err
	}
	if err := w.destroyDomain(); err != nil {
		return err
	}
	return w.lifecycle.TransitionToPoweredOff()
}

func (w *Worker) destroyDomain() error {
	if w.domain == nil {
		return nil
	}
	if err := w.hv.DomainDestroy(*w.domain); err != nil {
		return worker.HardwareFault(fmt.Sprintf("failed to destroy guest %s", w.domain.Name), err)
	}
	w.log.WithField("domain", w.domain.Name).Info("guest destroyed")
	w.domain = nil
	return nil
}

func (w *Worker) destroyNetwork() error {
	if w.network == nil {
		return nil
	}
	if err := w.hv.NetworkDestroy(*w.network); err != nil {
		return worker.HardwareFault(fmt.Sprintf("failed to destroy network %s", w.network.Name), err)
	}
	w.log.WithField("network", w.network.Name).Info("network destroyed")
	w.network = nil
	return nil
}

func (w *Worker) destroyPool() error {
	if w.pool == nil {
		return nil
	}
	if err := w.hv.StoragePoolDestroy(*w.pool); err != nil {
		return worker.HardwareFault(fmt.Sprintf("failed to stop storage pool %s", w.pool.Name), err)
	}
	w.pool = nil
	return nil
}

// Network replaces the guest network. Only the wired leg is supported;
// without it any existing network is removed. A running guest keeps its
// old attachment until the next PowerOn.
func (w *Worker) Network(ctx context.Context, cfg worker.NetworkConfig) error {
	if err := w.lifecycle.RequireOperational(); err != nil {
		return err
	}
	if err := w.destroyNetwork(); err != nil {
		return err
	}
	if cfg.Wired == nil {
		return nil
	}

	name := w.newID()
	xml, err := libvirt.GenerateNetworkXML(libvirt.NetworkSpec{
		Name:   name,
		Bridge: naming.BridgeName(name),
		NAT:    cfg.Wired.NAT,
	})
	if err != nil {
		return err
	}
	net, err := w.hv.NetworkCreateXML(xml)
	if err != nil {
		return worker.HardwareFault("failed to create network", err)
	}
	w.network = &net
	w.log.WithFields(logrus.Fields{"network": net.Name, "nat": cfg.Wired.NAT}).Info("network created")
	return nil
}

// Flash powers the guest off and writes the image stream to its disk.
func (w *Worker) Flash(ctx context.Context, r io.Reader, onProgress worker.ProgressFunc) error {
	if err := w.PowerOff(ctx); err != nil {
		return err
	}

	src, err := imaging.OpenStream(r, filepath.Dir(w.image))
	if err != nil {
		return worker.PipelineError("failed to open image", err)
	}
	defer func() { _ = src.Close() }()

	_, err = imaging.Write(ctx, src, []imaging.Destination{imaging.NewFileDestination(w.image)}, imaging.Options{
		OnProgress: onProgress,
		Verify:     true,
		Logger:     w.log,
	})
	return err
}

// Teardown removes the guest, its network and the pool, then stops the
// hypervisor. sig is ignored: the worker installs no signal handlers.
func (w *Worker) Teardown(ctx context.Context, sig os.Signal) error {
	var errs []error

	if w.hv != nil {
		for _, destroy := range []func() error{w.destroyDomain, w.destroyNetwork, w.destroyPool} {
			if err := destroy(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := w.hv.Close(); err != nil {
			w.log.WithError(err).Warn("failed to close hypervisor connection")
		}
		w.hv = nil
	}
	if err := w.daemons.Kill(); err != nil {
		errs = append(errs, err)
	}
	w.lifecycle.TransitionToTornDown()

	return errors.Join(errs...)
}
