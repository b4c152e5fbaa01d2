// Package server exposes the selected worker over HTTP.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/balena-io/leviathan-worker/internal/metrics"
	"github.com/balena-io/leviathan-worker/internal/worker"
)

// ErrNoWorker is returned by every operation until a worker is selected.
var ErrNoWorker = worker.InvalidState("No worker has been selected, please call /select first", nil)

// Factory builds an unstarted worker from the options sent to /select.
type Factory func(options json.RawMessage) (worker.Worker, error)

// Facade owns the selected worker and serializes every call to it.
type Facade struct {
	factories map[string]Factory
	metrics   *metrics.Metrics
	log       logrus.FieldLogger

	// sem is a one-slot lock that can be waited on with a deadline.
	sem     chan struct{}
	current worker.Worker
	// kind is readable without the lock, which a flash holds for minutes.
	kind atomic.Value

	// base is cancelled by Teardown to stop operations in flight.
	base   context.Context
	cancel context.CancelFunc
}

// NewFacade creates a Facade offering the given worker types.
func NewFacade(factories map[string]Factory, m *metrics.Metrics, log logrus.FieldLogger) *Facade {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if m == nil {
		m = metrics.New()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Facade{
		factories: factories,
		metrics:   m,
		log:       log.WithField("component", "facade"),
		sem:       make(chan struct{}, 1),
		base:      base,
		cancel:    cancel,
	}
}

func (f *Facade) lock(ctx context.Context) error {
	select {
	case f.sem <- struct{}{}:
		return nil
	default:
	}
	select {
	case f.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Facade) unlock() {
	<-f.sem
}

// operationContext derives a context from ctx that is also cancelled when
// the facade is torn down.
func (f *Facade) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(f.base, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Types lists the worker types Select accepts.
func (f *Facade) Types() []string {
	types := make([]string, 0, len(f.factories))
	for t := range f.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Selected returns the type of the current worker, or "" if none.
func (f *Facade) Selected() string {
	kind, _ := f.kind.Load().(string)
	return kind
}

func (f *Facade) set(w worker.Worker, kind string) {
	f.current = w
	f.kind.Store(kind)
}

// Select tears down the current worker, if any, and sets up a new one of
// type kind.
func (f *Facade) Select(ctx context.Context, kind string, options json.RawMessage) (err error) {
	start := time.Now()
	defer func() { f.metrics.ObserveOperation("select", start, err) }()

	if err := f.lock(ctx); err != nil {
		return err
	}
	defer f.unlock()
	ctx, cancel := f.operationContext(ctx)
	defer cancel()

	if f.current != nil {
		if err := f.current.Teardown(ctx, nil); err != nil {
			f.log.WithError(err).WithField("worker", f.Selected()).Warn("teardown of previous worker failed")
		}
		f.set(nil, "")
	}

	factory, ok := f.factories[kind]
	if !ok {
		return worker.ConfigurationError("Invalid worker type", nil)
	}
	w, err := factory(options)
	if err != nil {
		return err
	}
	if err := w.Setup(ctx); err != nil {
		if terr := w.Teardown(ctx, nil); terr != nil {
			f.log.WithError(terr).Warn("teardown after failed setup failed")
		}
		return err
	}

	f.set(w, kind)
	f.log.WithField("worker", kind).Info("worker selected")
	return nil
}

// with runs fn on the current worker while holding the facade lock.
func (f *Facade) with(ctx context.Context, op string, fn func(ctx context.Context, w worker.Worker) error) (err error) {
	start := time.Now()
	defer func() { f.metrics.ObserveOperation(op, start, err) }()

	if err := f.lock(ctx); err != nil {
		return err
	}
	defer f.unlock()
	if f.current == nil {
		return ErrNoWorker
	}
	ctx, cancel := f.operationContext(ctx)
	defer cancel()
	return fn(ctx, f.current)
}

// PowerOn switches the DUT on.
func (f *Facade) PowerOn(ctx context.Context) error {
	return f.with(ctx, "on", func(ctx context.Context, w worker.Worker) error { return w.PowerOn(ctx) })
}

// PowerOff switches the DUT off.
func (f *Facade) PowerOff(ctx context.Context) error {
	return f.with(ctx, "off", func(ctx context.Context, w worker.Worker) error { return w.PowerOff(ctx) })
}

// Network configures the DUT's network.
func (f *Facade) Network(ctx context.Context, cfg worker.NetworkConfig) error {
	return f.with(ctx, "network", func(ctx context.Context, w worker.Worker) error { return w.Network(ctx, cfg) })
}

// Flash writes the image read from r to the DUT's boot media. Progress is
// reported to onProgress until Flash returns.
func (f *Facade) Flash(ctx context.Context, r io.Reader, onProgress worker.ProgressFunc) error {
	return f.with(ctx, "flash", func(ctx context.Context, w worker.Worker) error { return w.Flash(ctx, r, onProgress) })
}

// Teardown cancels any operation in flight, waits for it to return and
// releases the current worker. Waiting is bounded by ctx. Operations
// started afterwards are cancelled immediately.
func (f *Facade) Teardown(ctx context.Context) error {
	f.cancel()
	if err := f.lock(ctx); err != nil {
		return fmt.Errorf("waiting for operation in flight: %w", err)
	}
	defer f.unlock()
	if f.current == nil {
		return nil
	}
	err := f.current.Teardown(ctx, nil)
	f.set(nil, "")
	return err
}
