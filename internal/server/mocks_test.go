package server

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/balena-io/leviathan-worker/internal/worker"
)

// fakeWorker is a mock implementation of worker.Worker for testing.
type fakeWorker struct {
	mu sync.Mutex

	// Configurable behavior
	setupFunc    func(ctx context.Context) error
	teardownFunc func(ctx context.Context) error
	powerOnFunc  func(ctx context.Context) error
	powerOffFunc func(ctx context.Context) error
	flashFunc    func(ctx context.Context, r io.Reader, onProgress worker.ProgressFunc) error
	networkFunc  func(ctx context.Context, cfg worker.NetworkConfig) error

	// Call tracking
	calls    []string
	networks []worker.NetworkConfig
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{
		setupFunc:    func(ctx context.Context) error { return nil },
		teardownFunc: func(ctx context.Context) error { return nil },
		powerOnFunc:  func(ctx context.Context) error { return nil },
		powerOffFunc: func(ctx context.Context) error { return nil },
		flashFunc: func(ctx context.Context, r io.Reader, onProgress worker.ProgressFunc) error {
			_, err := io.Copy(io.Discard, r)
			return err
		},
		networkFunc: func(ctx context.Context, cfg worker.NetworkConfig) error { return nil },
	}
}

func (f *fakeWorker) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeWorker) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeWorker) Setup(ctx context.Context) error {
	f.record("Setup")
	return f.setupFunc(ctx)
}

func (f *fakeWorker) Teardown(ctx context.Context, sig os.Signal) error {
	f.record("Teardown")
	return f.teardownFunc(ctx)
}

func (f *fakeWorker) PowerOn(ctx context.Context) error {
	f.record("PowerOn")
	return f.powerOnFunc(ctx)
}

func (f *fakeWorker) PowerOff(ctx context.Context) error {
	f.record("PowerOff")
	return f.powerOffFunc(ctx)
}

func (f *fakeWorker) Flash(ctx context.Context, r io.Reader, onProgress worker.ProgressFunc) error {
	f.record("Flash")
	return f.flashFunc(ctx, r, onProgress)
}

func (f *fakeWorker) Network(ctx context.Context, cfg worker.NetworkConfig) error {
	f.record("Network")
	f.mu.Lock()
	f.networks = append(f.networks, cfg)
	f.mu.Unlock()
	return f.networkFunc(ctx, cfg)
}

// factoryFor returns a Factory that hands out w and records the options.
func factoryFor(w *fakeWorker, options *[]json.RawMessage) Factory {
	return func(opts json.RawMessage) (worker.Worker, error) {
		if options != nil {
			*options = append(*options, opts)
		}
		return w, nil
	}
}

// fakeForwarder records bridge targets.
type fakeForwarder struct {
	targets []string
	err     error
}

func (f *fakeForwarder) Forward(ctx context.Context, target string) error {
	f.targets = append(f.targets, target)
	return f.err
}
