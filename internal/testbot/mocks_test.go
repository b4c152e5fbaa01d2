package testbot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"

	"github.com/balena-io/leviathan-worker/internal/drive"
	"github.com/balena-io/leviathan-worker/internal/worker"
)

type pinState struct {
	Mode  int
	Value int
}

// fakeBoard records pin state and every serial command.
type fakeBoard struct {
	mu sync.Mutex

	readyErr error
	pins     [30]pinState
	events   []string
	serial   map[byte]int
	closed   bool
}

func newFakeBoard() *fakeBoard {
	return &fakeBoard{serial: make(map[byte]int)}
}

func (b *fakeBoard) Ready(ctx context.Context) error {
	return b.readyErr
}

func (b *fakeBoard) PinMode(pin, mode int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pins[pin].Mode = mode
	b.events = append(b.events, fmt.Sprintf("mode %d=%d", pin, mode))
	return nil
}

func (b *fakeBoard) DigitalWrite(pin, value int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pins[pin].Value = value
	b.events = append(b.events, fmt.Sprintf("pin %d=%d", pin, value))
	return nil
}

func (b *fakeBoard) SerialConfig(port byte, baud int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.serial[port] = baud
	return nil
}

func (b *fakeBoard) SerialWrite(port byte, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if port != serialPort || len(data) != 3 {
		return errors.New("unexpected serial frame")
	}
	b.events = append(b.events, fmt.Sprintf("cmd %02x %d %d", data[0], data[1], data[2]))
	return nil
}

func (b *fakeBoard) SerialClose(port byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.serial, port)
	b.events = append(b.events, fmt.Sprintf("serial close %d", port))
	return nil
}

func (b *fakeBoard) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.events = append(b.events, "close")
	return nil
}

// record appends a marker to the event log.
func (b *fakeBoard) record(event string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *fakeBoard) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *fakeBoard) snapshot() [30]pinState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pins
}

func (b *fakeBoard) takeEvents() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev := b.events
	b.events = nil
	return ev
}

// fakeSignals records registration instead of touching the process.
type fakeSignals struct {
	mu         sync.Mutex
	handler    func(os.Signal)
	registered bool
}

func (s *fakeSignals) Register(h func(os.Signal)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler, s.registered = h, true
}

func (s *fakeSignals) Unregister() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registered = false
}

func (s *fakeSignals) isRegistered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

func (s *fakeSignals) fire(sig syscall.Signal) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	h(sig)
}

type fakeResolver struct {
	path string
	err  error
}

func (r *fakeResolver) Resolve(ctx context.Context) (string, error) {
	return r.path, r.err
}

type fakeLocator struct {
	drives map[string]drive.Drive
	// onLocate, if set, is called before every lookup.
	onLocate func(path string)
}

func (l *fakeLocator) Locate(ctx context.Context, path string) (*drive.Drive, error) {
	if l.onLocate != nil {
		l.onLocate(path)
	}
	d, ok := l.drives[path]
	if !ok {
		return nil, worker.DriveNotFound("no drive found at "+path, nil)
	}
	return &d, nil
}

type fakeNetwork struct {
	applied   []worker.NetworkConfig
	tornDown  int
	applyFunc func(cfg worker.NetworkConfig) error
}

func (n *fakeNetwork) Apply(ctx context.Context, cfg worker.NetworkConfig) error {
	n.applied = append(n.applied, cfg)
	if n.applyFunc != nil {
		return n.applyFunc(cfg)
	}
	return nil
}

func (n *fakeNetwork) Teardown(ctx context.Context) error {
	n.tornDown++
	return nil
}
