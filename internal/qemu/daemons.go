package qemu

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

const (
	libvirtSocket  = "/var/run/libvirt/libvirt-sock"
	virtlogdSocket = "/var/run/libvirt/virtlogd-sock"
)

// processDaemons runs libvirtd and virtlogd as detached children.
type processDaemons struct {
	commands []string
	sockets  []string
	attempts int
	interval time.Duration
	log      logrus.FieldLogger

	procs []*exec.Cmd
}

func newProcessDaemons(log logrus.FieldLogger) *processDaemons {
	return &processDaemons{
		commands: []string{"libvirtd", "virtlogd"},
		sockets:  []string{libvirtSocket, virtlogdSocket},
		attempts: 10,
		interval: time.Second,
		log:      log,
	}
}

func (d *processDaemons) Start(ctx context.Context) error {
	for _, name := range d.commands {
		// Not tied to ctx: the daemons outlive the request that started them.
		cmd := exec.Command(name)
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
		if err := cmd.Start(); err != nil {
			_ = d.Kill()
			return fmt.Errorf("failed to start %s: %w", name, err)
		}
		d.log.WithFields(logrus.Fields{"daemon": name, "pid": cmd.Process.Pid}).Info("started daemon")
		d.procs = append(d.procs, cmd)
	}

	waitSockets := func() error {
		for _, s := range d.sockets {
			if _, err := os.Stat(s); err != nil {
				return err
			}
		}
		return nil
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(d.interval), uint64(d.attempts-1)),
		ctx,
	)
	if err := backoff.Retry(waitSockets, b); err != nil {
		return fmt.Errorf("hypervisor sockets did not appear: %w", err)
	}
	return nil
}

func (d *processDaemons) Kill() error {
	var errs []error
	for _, cmd := range d.procs {
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, fmt.Errorf("failed to kill %s: %w", cmd.Path, err))
			continue
		}
		go func() { _ = cmd.Wait() }()
	}
	d.procs = nil
	return errors.Join(errs...)
}
