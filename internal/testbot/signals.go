package testbot

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// SignalHook delivers termination signals to a handler while registered.
type SignalHook interface {
	Register(handler func(os.Signal))
	Unregister()
}

// osSignalHook watches SIGINT and SIGTERM.
type osSignalHook struct {
	mu   sync.Mutex
	ch   chan os.Signal
	stop chan struct{}
}

// NewSignalHook returns a SignalHook for SIGINT and SIGTERM.
func NewSignalHook() SignalHook {
	return &osSignalHook{}
}

func (h *osSignalHook) Register(handler func(os.Signal)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ch != nil {
		return
	}

	ch := make(chan os.Signal, 1)
	stop := make(chan struct{})
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	h.ch, h.stop = ch, stop

	go func() {
		select {
		case sig := <-ch:
			handler(sig)
		case <-stop:
		}
	}()
}

func (h *osSignalHook) Unregister() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ch == nil {
		return
	}
	signal.Stop(h.ch)
	close(h.stop)
	h.ch, h.stop = nil, nil
}

// reraise restores the default disposition of sig and sends it to the
// current process.
func reraise(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return fmt.Errorf("cannot re-raise %v", sig)
	}
	signal.Reset(s)
	return unix.Kill(unix.Getpid(), s)
}
